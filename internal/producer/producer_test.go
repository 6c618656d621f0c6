//go:build !windows

package producer

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/codexhub/internal/hub"
	"github.com/nugget/codexhub/internal/rpc"
)

func readLines(t *testing.T, ln net.Listener, n int, timeout time.Duration) []string {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	lines := make([]string, 0, n)
	conn.SetReadDeadline(time.Now().Add(timeout))
	scanner := bufio.NewScanner(conn)
	for len(lines) < n && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func methodOf(t *testing.T, line string) string {
	t.Helper()
	var msg rpc.Notification
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal line %q: %v", line, err)
	}
	return msg.Method
}

func TestProducerReconnectsAndRegistersBeforeReplayingPending(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "codexd.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := Spawn(ctx, Config{
		SocketPath:    sockPath,
		RuntimeID:     "r1",
		FlushInterval: 20 * time.Millisecond,
	})
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		p.Publish(hub.HubNotification{Method: "agent/message", Params: map[string]any{"n": i}})
	}

	// Give the producer a couple of ticks to retry against the not-yet-
	// existing socket before it exists, exercising the Disconnected retry
	// path.
	time.Sleep(60 * time.Millisecond)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	lines := readLines(t, ln, 4, 2*time.Second)
	if len(lines) != 4 {
		t.Fatalf("expected register + 3 events, got %d lines: %v", len(lines), lines)
	}
	if methodOf(t, lines[0]) != hub.MethodRegister {
		t.Fatalf("expected first line to be %s, got %s", hub.MethodRegister, methodOf(t, lines[0]))
	}
	for i := 1; i < 4; i++ {
		if methodOf(t, lines[i]) != hub.MethodRuntimeEvent {
			t.Fatalf("expected line %d to be %s, got %s", i, hub.MethodRuntimeEvent, methodOf(t, lines[i]))
		}
	}
}

func TestProducerOverflowDropsOldestKeepingMaxPendingLines(t *testing.T) {
	var pending []string
	var dropped int

	for i := 0; i < 5000; i++ {
		pushPendingLine(&pending, &dropped, string(rune('a'+i%26)), MaxPendingLines)
	}

	if len(pending) != MaxPendingLines {
		t.Fatalf("expected buffer capped at %d, got %d", MaxPendingLines, len(pending))
	}
	if dropped != 5000-MaxPendingLines {
		t.Fatalf("expected %d dropped, got %d", 5000-MaxPendingLines, dropped)
	}
}

func TestProducerDisabledWhenSocketPathTooLong(t *testing.T) {
	longPath := "/tmp/" + strings.Repeat("x", 4096) + "/codexd.sock"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := Spawn(ctx, Config{
		SocketPath:    longPath,
		RuntimeID:     "r1",
		FlushInterval: 5 * time.Millisecond,
	})

	p.Publish(hub.HubNotification{Method: "agent/message"})
	time.Sleep(30 * time.Millisecond)

	p.Shutdown()
	// No assertion beyond "this doesn't hang or panic": a disabled
	// producer still drains commands so Publish/Shutdown never block the
	// caller, but it never dials the oversized path.
}
