// Package hub implements the daemon broker's in-memory state: the set of
// registered runtimes, the set of subscribers waiting on a broadcast feed,
// and the bookkeeping codexd needs to answer "what's running" without a
// database. A Hub is safe for concurrent use; every exported method takes
// its own lock for the duration of the mutation it performs.
package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ConnectionID identifies one UDS connection to the daemon for the
// lifetime of the process. It is allocated from its own counter, separate
// from internal/transport's ConnectionID space — the daemon is not part
// of the app-server's connection multiplexer.
type ConnectionID uint64

// ActiveTurn records which thread a turn belongs to, tracked purely from
// turn/started and turn/completed notifications routed through
// ApplyRuntimeEvent. It exists so a dashboard can know what work is
// currently in flight for a runtime without replaying the event log.
type ActiveTurn struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// RuntimeSnapshot is one runtime's externally-visible state. Every
// metadata field is individually optional — absent means the producer
// never supplied it, not that it was explicitly cleared. ActiveTurns is
// always present (possibly empty) and sorted by TurnID for a
// deterministic wire order.
type RuntimeSnapshot struct {
	RuntimeID     string       `json:"runtimeId"`
	PID           *int64       `json:"pid,omitempty"`
	SessionSource *string      `json:"sessionSource,omitempty"`
	Cwd           *string      `json:"cwd,omitempty"`
	DisplayName   *string      `json:"displayName,omitempty"`
	ActiveTurns   []ActiveTurn `json:"activeTurns"`
}

// runtimeState is the hub's private bookkeeping for one registered
// runtime. A nil pointer field means "never supplied"; RegisterRuntime
// and UpdateMetadata only overwrite a field when the incoming params
// field is non-nil, leaving every other field exactly as it was.
type runtimeState struct {
	ownerConnID ConnectionID

	pid           *int64
	sessionSource *string
	cwd           *string
	displayName   *string

	// activeTurns maps a turn id to the thread id it belongs to, set on
	// turn/started and cleared on turn/completed for this runtime only.
	activeTurns map[string]string
}

func (rs *runtimeState) snapshot(id string) RuntimeSnapshot {
	turns := make([]ActiveTurn, 0, len(rs.activeTurns))
	for turnID, threadID := range rs.activeTurns {
		turns = append(turns, ActiveTurn{TurnID: turnID, ThreadID: threadID})
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].TurnID < turns[j].TurnID })

	return RuntimeSnapshot{
		RuntimeID:     id,
		PID:           rs.pid,
		SessionSource: rs.sessionSource,
		Cwd:           rs.cwd,
		DisplayName:   rs.displayName,
		ActiveTurns:   turns,
	}
}

func (rs *runtimeState) applyUpdate(params RegisterParams) {
	if params.PID != nil {
		rs.pid = params.PID
	}
	if params.SessionSource != nil {
		rs.sessionSource = params.SessionSource
	}
	if params.Cwd != nil {
		rs.cwd = params.Cwd
	}
	if params.DisplayName != nil {
		rs.displayName = params.DisplayName
	}
}

// RegisterParams is both the register and update-metadata request body —
// codexd merges whichever fields are non-nil into whatever the runtime
// already has rather than replacing it wholesale; a nil field preserves
// the existing value.
type RegisterParams struct {
	RuntimeID     string  `json:"runtimeId"`
	PID           *int64  `json:"pid,omitempty"`
	SessionSource *string `json:"sessionSource,omitempty"`
	Cwd           *string `json:"cwd,omitempty"`
	DisplayName   *string `json:"displayName,omitempty"`
}

// UpdateMetadataParams has the identical shape to RegisterParams; it is
// aliased rather than redefined because the daemon treats the two
// requests the same way once a runtime exists (register is simply the
// first update, seeding an empty runtimeState first).
type UpdateMetadataParams = RegisterParams

// UnregisterParams names the runtime being torn down.
type UnregisterParams struct {
	RuntimeID string `json:"runtimeId"`
}

// EventParams is the params of a codexd/runtime/event notification: an
// arbitrary upstream JSON-RPC notification, scoped to one runtime. The
// hub interprets only the "turn/started" and "turn/completed" method
// names inside Notification for active-turn bookkeeping; everything else
// passes through to subscribers unexamined.
type EventParams struct {
	RuntimeID    string          `json:"runtimeId"`
	Notification HubNotification `json:"notification"`
}

// HubNotification is the {method, params} pair the producer forwards on
// behalf of whatever is running inside the runtime.
type HubNotification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// SubscribeParams carries the subscriber's last-seen sequence number. The
// hub rejects only an afterSeq ahead of its current seq; an afterSeq
// behind it is accepted and delivery resumes at the current seq without
// reporting or replaying the events in between.
type SubscribeParams struct {
	AfterSeq uint64 `json:"afterSeq"`
}

// SnapshotResponse is the full current state: every registered runtime,
// sorted by id for a deterministic wire order, plus the current seq so a
// client can immediately Subscribe with afterSeq=seq and not miss
// anything that happens after the snapshot is taken (modulo the
// documented race between the two RPCs; see Hub.Subscribe).
type SnapshotResponse struct {
	Seq      uint64            `json:"seq"`
	Runtimes []RuntimeSnapshot `json:"runtimes"`
}

// SubscribeResponse acknowledges a successful subscription.
type SubscribeResponse struct {
	Seq uint64 `json:"seq"`
}

// EventPayload is one of RuntimeUpsert, RuntimeNotification, or
// RuntimeRemoved, externally tagged the way the original Rust enum
// serializes: exactly one field is present on the wire. Modeled as
// mutually-exclusive omitempty pointers instead of a custom MarshalJSON
// so encoding/json's ordinary struct tags do the work.
type EventPayload struct {
	RuntimeUpsert       *RuntimeUpsertPayload       `json:"RuntimeUpsert,omitempty"`
	RuntimeNotification *RuntimeNotificationPayload `json:"RuntimeNotification,omitempty"`
	RuntimeRemoved      *RuntimeRemovedPayload      `json:"RuntimeRemoved,omitempty"`
}

// RuntimeUpsertPayload announces a runtime was registered or had its
// metadata updated; it always carries the full post-merge snapshot.
type RuntimeUpsertPayload struct {
	Runtime RuntimeSnapshot `json:"runtime"`
}

// RuntimeNotificationPayload forwards one upstream notification for one
// runtime, unexamined beyond the active-turn bookkeeping in
// ApplyRuntimeEvent.
type RuntimeNotificationPayload struct {
	RuntimeID    string          `json:"runtimeId"`
	Notification HubNotification `json:"notification"`
}

// RuntimeRemovedPayload announces a runtime was unregistered, whether
// explicitly or because its owning connection disconnected.
type RuntimeRemovedPayload struct {
	RuntimeID string `json:"runtimeId"`
}

// EventEnvelope is what actually gets sent to every subscriber mailbox:
// the payload plus the seq it was assigned. Seq is pre-incremented
// before the broadcast that carries it, so seq values handed to
// subscribers are strictly increasing and gap-free from the hub's own
// point of view (a subscriber's mailbox can still lag, but it never sees
// a seq it's already seen or a seq skipped ahead of it).
type EventEnvelope struct {
	Seq     uint64       `json:"seq"`
	Payload EventPayload `json:"event"`
}

// Hub owns every runtime's state and every subscriber's mailbox. One Hub
// is shared by every connection's handleConnection goroutine.
type Hub struct {
	mu sync.Mutex

	nextConnID uint64
	seq        uint64

	runtimes    map[string]*runtimeState
	subscribers map[ConnectionID]*mailbox

	// owned tracks, per connection, the set of runtime ids it registered
	// or updated, so disconnect can unregister exactly the runtimes that
	// connection touched. The same id can sit in more than one
	// connection's set; whichever of them disconnects first removes it.
	owned map[ConnectionID]map[string]struct{}
}

// New builds an empty Hub.
func New() *Hub {
	return &Hub{
		runtimes:    make(map[string]*runtimeState),
		subscribers: make(map[ConnectionID]*mailbox),
		owned:       make(map[ConnectionID]map[string]struct{}),
	}
}

// AllocConnectionID returns the next connection id, starting at 1. The
// increment saturates at the max uint64 rather than wrapping, matching
// the daemon's own saturating counter — in practice this daemon will
// never live long enough to see it matter, but wraparound silently
// reusing an id would be worse than saturating.
func (h *Hub) AllocConnectionID() ConnectionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nextConnID != ^uint64(0) {
		h.nextConnID++
	}
	return ConnectionID(h.nextConnID)
}

// Snapshot returns every registered runtime, sorted by id, and the
// current seq.
func (h *Hub) Snapshot() SnapshotResponse {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.runtimes))
	for id := range h.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	runtimes := make([]RuntimeSnapshot, 0, len(ids))
	for _, id := range ids {
		runtimes = append(runtimes, h.runtimes[id].snapshot(id))
	}

	return SnapshotResponse{Runtimes: runtimes, Seq: h.seq}
}

// Subscribe registers cid as a broadcast recipient and returns the
// current seq. afterSeq exists so a reconnecting subscriber can assert
// it isn't regressing: it fails only when afterSeq is strictly ahead of
// the hub's current seq, since the hub has no event log to replay from
// and cannot honor a request for events it hasn't produced yet. An
// afterSeq at or behind the current seq always succeeds — the hub does
// not replay the gap, it simply starts delivering from here on.
//
// There is a genuine, documented race between Snapshot and Subscribe: an
// event can be broadcast between the two calls and land in neither the
// snapshot nor (because it predates registration) the new mailbox.
// Callers that cannot tolerate the gap must re-Snapshot after Subscribe
// returns and reconcile themselves; this hub does not combine the two
// RPCs into one atomic operation (see SPEC_FULL.md §7).
func (h *Hub) Subscribe(cid ConnectionID, afterSeq uint64) (SubscribeResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if afterSeq > h.seq {
		return SubscribeResponse{}, fmt.Errorf("ahead of current sequence: afterSeq %d > seq %d", afterSeq, h.seq)
	}

	h.subscribers[cid] = newMailbox()
	return SubscribeResponse{Seq: h.seq}, nil
}

// Unsubscribe removes cid's mailbox, closing it so any goroutine blocked
// in mailbox.recv wakes up and returns. Idempotent.
func (h *Hub) Unsubscribe(cid ConnectionID) {
	h.mu.Lock()
	mb, ok := h.subscribers[cid]
	delete(h.subscribers, cid)
	h.mu.Unlock()

	if ok {
		mb.close()
	}
}

// mailboxFor returns cid's subscriber mailbox, if any, for the
// connection-handling goroutine to drain into its writer loop.
func (h *Hub) mailboxFor(cid ConnectionID) (*mailbox, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb, ok := h.subscribers[cid]
	return mb, ok
}

// RegisterRuntime creates or replaces runtimeId's owner and merges in
// whatever metadata fields params supplies, then broadcasts a
// RuntimeUpsert. Re-registering a runtime id already registered by a
// different connection is not rejected, since a restarted client
// reconnecting under the same runtime id is the common case, not an
// error: the id is added to the new caller's owned set and also stays in
// the earlier connection's set, so a disconnect of either one
// unregisters it.
func (h *Hub) RegisterRuntime(cid ConnectionID, params RegisterParams) RuntimeSnapshot {
	h.mu.Lock()

	rs, ok := h.runtimes[params.RuntimeID]
	if !ok {
		rs = &runtimeState{activeTurns: make(map[string]string)}
		h.runtimes[params.RuntimeID] = rs
	}
	rs.ownerConnID = cid
	rs.applyUpdate(params)

	owned, ok := h.owned[cid]
	if !ok {
		owned = make(map[string]struct{})
		h.owned[cid] = owned
	}
	owned[params.RuntimeID] = struct{}{}

	snap := rs.snapshot(params.RuntimeID)
	h.broadcastLocked(EventPayload{RuntimeUpsert: &RuntimeUpsertPayload{Runtime: snap}})
	h.mu.Unlock()

	return snap
}

// UpdateMetadata merges whichever fields params supplies into an
// already-registered runtime and broadcasts the resulting snapshot. It
// returns an error if the runtime id is unknown; unlike RegisterRuntime
// it never creates one.
func (h *Hub) UpdateMetadata(cid ConnectionID, params UpdateMetadataParams) (RuntimeSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.runtimes[params.RuntimeID]
	if !ok {
		return RuntimeSnapshot{}, fmt.Errorf("unknown runtime id %q", params.RuntimeID)
	}

	rs.applyUpdate(params)

	owned, ok := h.owned[cid]
	if !ok {
		owned = make(map[string]struct{})
		h.owned[cid] = owned
	}
	owned[params.RuntimeID] = struct{}{}

	snap := rs.snapshot(params.RuntimeID)
	h.broadcastLocked(EventPayload{RuntimeUpsert: &RuntimeUpsertPayload{Runtime: snap}})
	return snap, nil
}

// UnregisterRuntime removes runtimeId entirely and broadcasts
// RuntimeRemoved. It is a no-op if the runtime is already gone, so both
// an explicit unregister and the cleanup-on-disconnect path can call it
// freely without coordinating.
func (h *Hub) UnregisterRuntime(cid ConnectionID, runtimeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(cid, runtimeID)
}

func (h *Hub) unregisterLocked(cid ConnectionID, runtimeID string) {
	if _, ok := h.runtimes[runtimeID]; !ok {
		return
	}
	delete(h.runtimes, runtimeID)
	if owned, ok := h.owned[cid]; ok {
		delete(owned, runtimeID)
	}
	h.broadcastLocked(EventPayload{RuntimeRemoved: &RuntimeRemovedPayload{RuntimeID: runtimeID}})
}

// ApplyRuntimeEvent forwards one runtime's notification to every
// subscriber and, for turn/started and turn/completed, updates that
// runtime's active-turn bookkeeping. Params that fail to parse as the
// expected shape for those two methods are silently ignored rather than
// treated as an error — the event is still broadcast either way. An
// event naming a runtime the hub has never heard of updates no
// bookkeeping (there is nothing to update) but is still broadcast
// verbatim.
func (h *Hub) ApplyRuntimeEvent(params EventParams) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rs, ok := h.runtimes[params.RuntimeID]; ok {
		switch params.Notification.Method {
		case "turn/started":
			if turnID, threadID, ok := parseActiveTurnStarted(params.Notification.Params); ok {
				rs.activeTurns[turnID] = threadID
			}
		case "turn/completed":
			if turnID, ok := parseActiveTurnCompleted(params.Notification.Params); ok {
				delete(rs.activeTurns, turnID)
			}
		}
	}

	h.broadcastLocked(EventPayload{RuntimeNotification: &RuntimeNotificationPayload{
		RuntimeID:    params.RuntimeID,
		Notification: params.Notification,
	}})
}

// cleanupConnection removes every runtime cid owned and its subscriber
// mailbox, called once when a connection's handleConnection goroutine
// exits for any reason.
func (h *Hub) cleanupConnection(cid ConnectionID) {
	h.mu.Lock()
	owned := h.owned[cid]
	delete(h.owned, cid)
	ids := make([]string, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.unregisterLocked(cid, id)
	}
	mb, hadSub := h.subscribers[cid]
	delete(h.subscribers, cid)
	h.mu.Unlock()

	if hadSub {
		mb.close()
	}
}

// broadcastLocked pre-increments seq and fans EventPayload out to every
// subscriber mailbox. It must be called with h.mu held. A subscriber
// whose mailbox has been closed out from under it (a concurrent
// Unsubscribe) is simply skipped; mailbox.send on a closed mailbox is a
// no-op, never a panic.
func (h *Hub) broadcastLocked(payload EventPayload) {
	h.seq++
	env := EventEnvelope{Seq: h.seq, Payload: payload}
	for _, mb := range h.subscribers {
		mb.send(env)
	}
}

// parseActiveTurnStarted extracts turn.id and threadId from a
// turn/started notification's params, tolerating any shape that doesn't
// match by reporting ok=false rather than an error. raw may be nil (no
// params were supplied) or any JSON-marshalable value, since
// HubNotification.Params is typed `any` to let in-process callers build
// one without a round trip through json.RawMessage.
func parseActiveTurnStarted(raw any) (turnID, threadID string, ok bool) {
	var params struct {
		ThreadID string `json:"threadId"`
		Turn     struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if !decodeParams(raw, &params) {
		return "", "", false
	}
	if params.Turn.ID == "" || params.ThreadID == "" {
		return "", "", false
	}
	return params.Turn.ID, params.ThreadID, true
}

// parseActiveTurnCompleted extracts turn.id from a turn/completed
// notification's params.
func parseActiveTurnCompleted(raw any) (turnID string, ok bool) {
	var params struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if !decodeParams(raw, &params) {
		return "", false
	}
	if params.Turn.ID == "" {
		return "", false
	}
	return params.Turn.ID, true
}

// decodeParams round-trips raw (a json.RawMessage off the wire, a plain
// map built in-process, or nil) through JSON into dst. Any failure,
// including a nil raw, reports false rather than an error — callers
// treat "doesn't match the expected shape" uniformly regardless of why.
func decodeParams(raw any, dst any) bool {
	if raw == nil {
		return false
	}
	bytes, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(bytes, dst) == nil
}
