// Package producer implements the embedded client a codex runtime process
// uses to keep codexd's hub informed of its existence: it registers on
// first connect, forwards metadata updates and upstream notifications as
// they happen, and reconnects transparently if the daemon isn't running
// yet or goes away mid-session. Publishing never blocks on the network —
// every call enqueues onto a bounded command channel and returns as soon
// as the channel has room, matching the daemon's own unbounded-subscriber posture
// from the other side of the wire: neither half of this pipe should ever
// make the runtime's own request handling wait on a socket.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nugget/codexhub/internal/hub"
	"github.com/nugget/codexhub/internal/rpc"
	"github.com/nugget/codexhub/internal/transport"
)

// DefaultChannelCapacity bounds the producer's command channel. A runtime
// emitting faster than the channel drains blocks on Publish/UpdateMetadata
// rather than growing memory without bound — unlike the pending-line
// buffer below, which exists precisely because the channel itself can't
// be made unbounded.
const DefaultChannelCapacity = 2048

// MaxPendingLines bounds the encoded-but-unsent line buffer kept while
// disconnected from or failing to write to codexd. Once full, the oldest
// line is dropped to make room for the newest — recent state is more
// useful to a reconnecting subscriber than state from minutes ago.
const MaxPendingLines = 4096

// DefaultFlushInterval is how often the producer retries a connection and
// flushes its pending-line buffer, independent of new commands arriving.
const DefaultFlushInterval = 500 * time.Millisecond

// Metadata mirrors hub.RegisterParams minus the runtime id: every field
// is a pointer so a nil field means "not supplied", matching the hub's
// merge-leaves-absent-fields-untouched semantics. UpdateMetadata merges
// its argument's non-nil fields into the producer's running metadata
// snapshot; the next register line sent to codexd carries the merged
// result in full (the hub doesn't need a "delta" register — the whole
// current snapshot is resent, harmlessly idempotent on the hub side).
type Metadata struct {
	PID           *int64
	SessionSource *string
	Cwd           *string
	DisplayName   *string
}

func (m Metadata) mergeInto(dst *Metadata) {
	if m.PID != nil {
		dst.PID = m.PID
	}
	if m.SessionSource != nil {
		dst.SessionSource = m.SessionSource
	}
	if m.Cwd != nil {
		dst.Cwd = m.Cwd
	}
	if m.DisplayName != nil {
		dst.DisplayName = m.DisplayName
	}
}

func (m Metadata) toRegisterParams(runtimeID string) hub.RegisterParams {
	return hub.RegisterParams{
		RuntimeID:     runtimeID,
		PID:           m.PID,
		SessionSource: m.SessionSource,
		Cwd:           m.Cwd,
		DisplayName:   m.DisplayName,
	}
}

type commandKind int

const (
	cmdUpdateMetadata commandKind = iota
	cmdPublish
	cmdShutdown
)

type producerCommand struct {
	kind     commandKind
	metadata Metadata
	notif    hub.HubNotification
}

// Config configures a Producer. SocketPath and RuntimeID are required;
// Metadata seeds the initial register line (Spawn's "metadata" argument
// from spec.md §4.7); everything else has a usable zero value.
type Config struct {
	SocketPath    string
	RuntimeID     string
	Metadata      Metadata
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Producer is a running producer task. The zero value is not usable;
// construct one with Spawn.
type Producer struct {
	cmdCh  chan producerCommand
	done   chan struct{}
	logger *slog.Logger
}

// Spawn starts the producer's background task and returns immediately.
// If socketPath is too long to ever be a valid UDS address, the task
// still runs (so callers can keep publishing without special-casing
// this), but it never attempts to connect — every command is simply
// absorbed into the pending-line buffer and aged out, which is
// preferable to blocking the caller on a connection that can never
// succeed.
func Spawn(ctx context.Context, cfg Config) *Producer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	p := &Producer{
		cmdCh:  make(chan producerCommand, DefaultChannelCapacity),
		done:   make(chan struct{}),
		logger: logger,
	}

	go runProducerTask(ctx, cfg.SocketPath, cfg.RuntimeID, cfg.Metadata, flushInterval, p.cmdCh, p.done, logger)

	return p
}

// UpdateMetadata enqueues a metadata merge to be registered with codexd.
// It blocks only if the command channel is full.
func (p *Producer) UpdateMetadata(metadata Metadata) {
	p.cmdCh <- producerCommand{kind: cmdUpdateMetadata, metadata: metadata}
}

// Publish enqueues a notification to be forwarded to codexd's
// subscribers under this producer's runtime id.
func (p *Producer) Publish(notification hub.HubNotification) {
	p.cmdCh <- producerCommand{kind: cmdPublish, notif: notification}
}

// PublishValue adapts an arbitrary value carrying its own Method/Params
// shape into a HubNotification by round-tripping it through JSON and
// plucking out "method" and "params" — a convenience for callers whose
// upstream notification type isn't already a hub.HubNotification.
func (p *Producer) PublishValue(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	var shape struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return fmt.Errorf("notification value has no method/params shape: %w", err)
	}
	p.Publish(hub.HubNotification{Method: shape.Method, Params: shape.Params})
	return nil
}

// Shutdown stops the producer task and waits for it to drain. A second
// call does not panic: its command sits unread in the channel buffer and
// it returns at once because the task has already closed done. It blocks
// forever only if that buffer is full.
func (p *Producer) Shutdown() {
	p.cmdCh <- producerCommand{kind: cmdShutdown}
	<-p.done
}

// connState machine: Disconnected is represented by conn == nil.
// Connected(needsRegister=true) is conn != nil && needsRegister; writing
// the register line successfully flips needsRegister to false,
// transitioning to Connected(needsRegister=false). Any write failure in
// either connected state drops the connection and returns to
// Disconnected, preserving needsRegister as true so the next connect
// re-registers before resuming data lines.
type connState struct {
	conn          net.Conn
	needsRegister bool
}

// runProducerTask owns the connection, the current metadata snapshot,
// the pending event-line buffer, and the periodic flush tick. It is the
// only goroutine that ever touches conn.
func runProducerTask(ctx context.Context, socketPath, runtimeID string, initial Metadata, flushInterval time.Duration, cmdCh <-chan producerCommand, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	disabled := transport.SocketPathTooLong(socketPath)
	if disabled {
		logger.Warn("producer disabled, socket path exceeds max sun_path length", "socket_path", socketPath)
	}

	state := &connState{needsRegister: true}
	metadata := initial
	var pending []string
	var episodeDropped int

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	closeConn := func() {
		if state.conn != nil {
			state.conn.Close()
			state.conn = nil
		}
	}
	defer closeConn()

	flush := func() {
		if disabled {
			return
		}
		drained := flushState(socketPath, runtimeID, metadata, state, &pending, logger)
		if drained && episodeDropped > 0 {
			logger.Warn("producer pending-line buffer overflowed while disconnected", "dropped", episodeDropped)
			episodeDropped = 0
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case cmd, ok := <-cmdCh:
			if !ok {
				return
			}
			switch cmd.kind {
			case cmdShutdown:
				return

			case cmdUpdateMetadata:
				cmd.metadata.mergeInto(&metadata)
				state.needsRegister = true

			case cmdPublish:
				line, err := encodeRuntimeEvent(runtimeID, cmd.notif)
				if err == nil {
					pushPendingLine(&pending, &episodeDropped, line, MaxPendingLines)
				}
			}
			flush()

		case <-ticker.C:
			flush()
		}
	}
}

// pushPendingLine appends line, dropping the oldest entry once the
// buffer is already at cap. episodeDropped accumulates the count for the
// current overflow episode; the caller emits a single warning for the
// whole episode once the connection recovers enough to start draining
// again, rather than one warning per dropped line.
func pushPendingLine(pending *[]string, episodeDropped *int, line string, cap int) {
	if len(*pending) >= cap {
		*pending = (*pending)[1:]
		*episodeDropped++
	}
	*pending = append(*pending, line)
}

// flushState connects if necessary, writes the register line if
// needsRegister is set, then drains pending front-to-back. It returns
// true if it successfully wrote at least one pending line this call (a
// signal that the connection has recovered and any accumulated overflow
// episode has ended). The first write failure at any stage aborts the
// flush and drops the connection, leaving the queue (and needsRegister)
// intact so the next tick or command retries from the same point.
func flushState(socketPath, runtimeID string, metadata Metadata, state *connState, pending *[]string, logger *slog.Logger) bool {
	if state.conn == nil {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		state.conn = conn
		state.needsRegister = true
	}

	if state.needsRegister {
		line, err := encodeRegister(runtimeID, metadata)
		if err != nil {
			logger.Warn("producer failed to encode register line", "error", err)
			return false
		}
		if err := writeLine(state.conn, line); err != nil {
			logger.Debug("producer register write failed, will retry", "error", err)
			state.conn.Close()
			state.conn = nil
			return false
		}
		state.needsRegister = false
	}

	drained := false
	for len(*pending) > 0 {
		line := (*pending)[0]
		if err := writeLine(state.conn, line); err != nil {
			logger.Debug("producer write failed, will retry", "error", err)
			state.conn.Close()
			state.conn = nil
			return drained
		}
		*pending = (*pending)[1:]
		drained = true
	}
	return drained
}

func encodeRegister(runtimeID string, metadata Metadata) (string, error) {
	notif := rpc.NewNotification(hub.MethodRegister, metadata.toRegisterParams(runtimeID))
	raw, err := json.Marshal(notif)
	if err != nil {
		return "", fmt.Errorf("encode register: %w", err)
	}
	return string(raw), nil
}

func encodeRuntimeEvent(runtimeID string, notification hub.HubNotification) (string, error) {
	notif := rpc.NewNotification(hub.MethodRuntimeEvent, hub.EventParams{
		RuntimeID:    runtimeID,
		Notification: notification,
	})
	raw, err := json.Marshal(notif)
	if err != nil {
		return "", fmt.Errorf("encode runtime event: %w", err)
	}
	return string(raw), nil
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}
