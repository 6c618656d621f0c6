package hub

import (
	"encoding/json"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestBroadcastSeqIsStrictlyIncreasingAndGapFree(t *testing.T) {
	h := New()

	var lastSeq uint64
	for i := 0; i < 5; i++ {
		h.RegisterRuntime(1, RegisterParams{RuntimeID: "r1", Cwd: ptr("/a")})
	}

	snap := h.Snapshot()
	if snap.Seq != 5 {
		t.Fatalf("expected seq 5 after 5 registrations, got %d", snap.Seq)
	}
	lastSeq = snap.Seq

	h.UnregisterRuntime(1, "r1")
	snap2 := h.Snapshot()
	if snap2.Seq != lastSeq+1 {
		t.Fatalf("expected seq %d after unregister, got %d", lastSeq+1, snap2.Seq)
	}
}

func TestSubscribeSucceedsAtOrBehindCurrentSeqAndFailsAhead(t *testing.T) {
	h := New()
	h.RegisterRuntime(1, RegisterParams{RuntimeID: "r1", Cwd: ptr("/a")})

	snap := h.Snapshot()

	if _, err := h.Subscribe(2, snap.Seq); err != nil {
		t.Fatalf("subscribe at current seq should succeed, got %v", err)
	}
	if _, err := h.Subscribe(4, 0); err != nil {
		t.Fatalf("subscribe behind current seq should succeed, got %v", err)
	}

	if _, err := h.Subscribe(3, snap.Seq+1); err == nil {
		t.Fatalf("subscribe ahead of current seq should fail")
	}
}

func TestSnapshotReflectsRegisterUpdateUnregisterSequence(t *testing.T) {
	h := New()

	h.RegisterRuntime(1, RegisterParams{RuntimeID: "r1", Cwd: ptr("/a")})
	h.RegisterRuntime(1, RegisterParams{RuntimeID: "r2", Cwd: ptr("/b")})
	if _, err := h.UpdateMetadata(1, UpdateMetadataParams{RuntimeID: "r1", DisplayName: ptr("x")}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	h.UnregisterRuntime(1, "r2")

	snap := h.Snapshot()
	if len(snap.Runtimes) != 1 || snap.Runtimes[0].RuntimeID != "r1" {
		t.Fatalf("expected only r1 to remain, got %+v", snap.Runtimes)
	}

	r1 := snap.Runtimes[0]
	if r1.Cwd == nil || *r1.Cwd != "/a" {
		t.Fatalf("expected cwd to survive the metadata merge, got %+v", r1.Cwd)
	}
	if r1.DisplayName == nil || *r1.DisplayName != "x" {
		t.Fatalf("expected displayName to have been merged in, got %+v", r1.DisplayName)
	}
}

func TestUpdateMetadataUnknownRuntimeErrors(t *testing.T) {
	h := New()
	if _, err := h.UpdateMetadata(1, UpdateMetadataParams{RuntimeID: "ghost"}); err == nil {
		t.Fatalf("expected error updating unknown runtime")
	}
}

func TestDisconnectCleansUpOwnedRuntimesAndBroadcastsRemoval(t *testing.T) {
	h := New()
	h.RegisterRuntime(7, RegisterParams{RuntimeID: "owned-a"})
	h.RegisterRuntime(7, RegisterParams{RuntimeID: "owned-b"})
	h.RegisterRuntime(8, RegisterParams{RuntimeID: "unrelated"})

	snapBefore := h.Snapshot()
	if _, err := h.Subscribe(99, snapBefore.Seq); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mb, ok := h.mailboxFor(99)
	if !ok {
		t.Fatalf("expected mailbox to exist for subscriber")
	}

	h.cleanupConnection(7)

	snap := h.Snapshot()
	if len(snap.Runtimes) != 1 || snap.Runtimes[0].RuntimeID != "unrelated" {
		t.Fatalf("expected only the unrelated runtime to survive, got %+v", snap.Runtimes)
	}

	seenRemoved := map[string]bool{}
	for i := 0; i < 2; i++ {
		env, ok := mb.recv()
		if !ok {
			t.Fatalf("expected %d removal broadcasts, got %d", 2, i)
		}
		if env.Payload.RuntimeRemoved == nil {
			t.Fatalf("expected a RuntimeRemoved payload, got %+v", env.Payload)
		}
		seenRemoved[env.Payload.RuntimeRemoved.RuntimeID] = true
	}
	if !seenRemoved["owned-a"] || !seenRemoved["owned-b"] {
		t.Fatalf("expected both owned runtimes removed, got %+v", seenRemoved)
	}
}

func TestActiveTurnBookkeepingTracksStartedAndCompletedPerRuntime(t *testing.T) {
	h := New()
	h.RegisterRuntime(1, RegisterParams{RuntimeID: "r1"})

	start := func(turnID, threadID string) {
		h.ApplyRuntimeEvent(EventParams{
			RuntimeID: "r1",
			Notification: HubNotification{
				Method: "turn/started",
				Params: json.RawMessage(`{"threadId":"` + threadID + `","turn":{"id":"` + turnID + `"}}`),
			},
		})
	}
	complete := func(turnID string) {
		h.ApplyRuntimeEvent(EventParams{
			RuntimeID: "r1",
			Notification: HubNotification{
				Method: "turn/completed",
				Params: json.RawMessage(`{"turn":{"id":"` + turnID + `"}}`),
			},
		})
	}

	start("u1", "t1")
	complete("u1")

	snap := h.Snapshot()
	if len(snap.Runtimes[0].ActiveTurns) != 0 {
		t.Fatalf("expected empty activeTurns after start+complete, got %+v", snap.Runtimes[0].ActiveTurns)
	}

	start("u1", "t1")
	start("u2", "t2")

	snap = h.Snapshot()
	turns := snap.Runtimes[0].ActiveTurns
	if len(turns) != 2 {
		t.Fatalf("expected 2 active turns, got %+v", turns)
	}
	if turns[0].TurnID != "u1" || turns[1].TurnID != "u2" {
		t.Fatalf("expected turns sorted by turn id, got %+v", turns)
	}
}

func TestApplyRuntimeEventIgnoresMalformedActiveTurnParams(t *testing.T) {
	h := New()
	h.RegisterRuntime(1, RegisterParams{RuntimeID: "r1"})
	h.ApplyRuntimeEvent(EventParams{
		RuntimeID: "r1",
		Notification: HubNotification{
			Method: "turn/started",
			Params: json.RawMessage(`{"unexpected":"shape"}`),
		},
	})

	snap := h.Snapshot()
	if len(snap.Runtimes[0].ActiveTurns) != 0 {
		t.Fatalf("expected malformed turn/started params to be ignored, got %+v", snap.Runtimes[0].ActiveTurns)
	}
}

func TestApplyRuntimeEventOnUnknownRuntimeStillBroadcasts(t *testing.T) {
	h := New()
	if _, err := h.Subscribe(1, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mb, _ := h.mailboxFor(1)

	h.ApplyRuntimeEvent(EventParams{
		RuntimeID: "ghost",
		Notification: HubNotification{
			Method: "turn/started",
			Params: json.RawMessage(`{"threadId":"t1","turn":{"id":"u1"}}`),
		},
	})

	env, ok := mb.recv()
	if !ok {
		t.Fatalf("expected the notification to be broadcast even for an unknown runtime")
	}
	if env.Payload.RuntimeNotification == nil || env.Payload.RuntimeNotification.RuntimeID != "ghost" {
		t.Fatalf("unexpected payload: %+v", env.Payload)
	}
}
