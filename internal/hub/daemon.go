package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/nugget/codexhub/internal/rpc"
	"github.com/nugget/codexhub/internal/transport"
)

// Method names the hub itself interprets. Anything else arriving as a
// request is answered with CodeServerError; anything else arriving as a
// notification is silently ignored (the daemon has no use for it and the
// caller expects no response regardless).
const (
	MethodSnapshot       = "codexd/snapshot"
	MethodSubscribe      = "codexd/subscribe"
	MethodRegister       = "codexd/runtime/register"
	MethodUpdateMetadata = "codexd/runtime/updateMetadata"
	MethodUnregister     = "codexd/runtime/unregister"
	MethodRuntimeEvent   = "codexd/runtime/event"

	// EventNotificationMethod is the method name the hub uses when
	// forwarding a broadcast EventEnvelope to a subscriber, distinct from
	// MethodRuntimeEvent (which is what a producer sends *to* the hub).
	EventNotificationMethod = "codexd/event"
)

// BindUnixListener brings up the daemon's listening socket: a
// launchd-activated socket if one was handed to the process, otherwise a
// freshly bound one at socketPath with the parent directory created at
// mode 0700 and the socket file itself tightened to 0600. ownsSocketPath
// reports whether the caller is responsible for unlinking socketPath on
// shutdown — false for a launchd-activated listener, since launchd owns
// that file's lifecycle, not this process.
func BindUnixListener(socketPath string) (listener net.Listener, ownsSocketPath bool, err error) {
	if ln, lerr := transport.LaunchdListener(); lerr == nil && ln != nil {
		return ln, false, nil
	}

	if transport.SocketPathTooLong(socketPath) {
		return nil, false, fmt.Errorf("uds socket path %q exceeds max sun_path length %d", socketPath, transport.MaxUnixSocketPathLen)
	}

	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("create socket directory: %w", err)
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, false, fmt.Errorf("bind uds socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, false, fmt.Errorf("chmod socket: %w", err)
	}

	return ln, true, nil
}

// Serve accepts connections on listener until ctx is canceled or Accept
// fails, handling each one in its own goroutine against h. It closes
// listener when ctx is canceled and returns once the listener is closed;
// removing the socket file is left to the caller, which knows whether it
// owns that file.
func Serve(ctx context.Context, listener net.Listener, h *Hub, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		cid := h.AllocConnectionID()
		logger.Info("codexd connection accepted", "connection_id", cid)
		go handleConnection(ctx, cid, conn, h, logger)
	}
}

// handleConnection owns one UDS connection end to end: it spawns a
// writer goroutine draining the connection's subscriber mailbox (if and
// once it subscribes) and reads request/notification lines on the
// calling goroutine until EOF or a read error, dispatching each line in
// turn. cleanupConnection always runs on return, regardless of how the
// connection ended.
func handleConnection(ctx context.Context, cid ConnectionID, conn net.Conn, h *Hub, logger *slog.Logger) {
	defer conn.Close()
	defer h.cleanupConnection(cid)

	subscribed := make(chan *mailbox, 1)
	writerDone := make(chan struct{})
	go runSubscriberWriter(cid, conn, subscribed, logger, writerDone)
	defer func() {
		h.Unsubscribe(cid)
		close(subscribed)
		<-writerDone
	}()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		trimmed := trimLine(line)
		if trimmed != "" {
			dispatch(cid, conn, trimmed, h, logger, subscribed)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("codexd connection read error", "connection_id", cid, "error", err)
			}
			return
		}
	}
}

func trimLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// runSubscriberWriter waits for this connection's one Subscribe request
// (if any) to hand it a mailbox over subscribed, then drains broadcast
// envelopes onto conn until the mailbox closes. A connection that never
// subscribes before disconnecting leaves this goroutine parked on the
// channel until handleConnection's deferred sequence closes subscribed,
// at which point the receive reports ok=false and the goroutine exits;
// for a subscribed connection, the deferred Unsubscribe closes the
// mailbox instead, which ends the drain loop the same way.
func runSubscriberWriter(cid ConnectionID, conn net.Conn, subscribed <-chan *mailbox, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)

	mb, ok := <-subscribed
	if !ok {
		return
	}

	for {
		env, ok := mb.recv()
		if !ok {
			return
		}
		note := rpc.NewNotification(EventNotificationMethod, env)
		payload, err := json.Marshal(note)
		if err != nil {
			logger.Warn("dropping broadcast, encode failed", "connection_id", cid, "error", err)
			continue
		}
		if _, err := conn.Write(append(payload, '\n')); err != nil {
			logger.Warn("codexd connection write error", "connection_id", cid, "error", err)
			return
		}
	}
}

// dispatch decodes one line as a JSON-RPC message and routes it to the
// matching hub operation, writing a response directly to conn for
// requests. Notifications produce no response, successful or otherwise.
func dispatch(cid ConnectionID, conn net.Conn, line string, h *Hub, logger *slog.Logger, subscribed chan<- *mailbox) {
	var msg rpc.Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		logger.Warn("discarding unparseable codexd frame", "connection_id", cid, "error", err)
		return
	}

	switch {
	case msg.IsRequest():
		resp := dispatchRequest(cid, msg, h, subscribed)
		writeResponse(conn, resp, logger)

	case msg.IsNotification():
		dispatchNotification(cid, msg, h)

	default:
		logger.Warn("discarding codexd frame that is neither request nor notification", "connection_id", cid)
	}
}

func dispatchRequest(cid ConnectionID, msg rpc.Message, h *Hub, subscribed chan<- *mailbox) *rpc.Response {
	switch msg.Method {
	case MethodSnapshot:
		return mustResult(msg.ID, h.Snapshot())

	case MethodSubscribe:
		var params SubscribeParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		resp, err := h.Subscribe(cid, params.AfterSeq)
		if err != nil {
			return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		if mb, ok := h.mailboxFor(cid); ok {
			subscribed <- mb
		}
		return mustResult(msg.ID, resp)

	case MethodRegister:
		var params RegisterParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		return mustResult(msg.ID, h.RegisterRuntime(cid, params))

	case MethodUpdateMetadata:
		var params UpdateMetadataParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		snap, err := h.UpdateMetadata(cid, params)
		if err != nil {
			return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		return mustResult(msg.ID, snap)

	case MethodUnregister:
		var params UnregisterParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		h.UnregisterRuntime(cid, params.RuntimeID)
		return mustResult(msg.ID, struct{}{})

	case MethodRuntimeEvent:
		var params EventParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		h.ApplyRuntimeEvent(params)
		return mustResult(msg.ID, struct{}{})

	default:
		return rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, fmt.Sprintf("unknown method %q", msg.Method))
	}
}

// dispatchNotification applies the same mutations dispatchRequest does for
// MethodRegister, MethodUpdateMetadata, MethodUnregister, and
// MethodRuntimeEvent, but as fire-and-forget notifications: no response is
// written regardless of success or failure. This is the shape the
// producer uses — it never reads from its own connection, so anything
// requiring a response would sit unread.
func dispatchNotification(cid ConnectionID, msg rpc.Message, h *Hub) {
	switch msg.Method {
	case MethodRegister:
		var params RegisterParams
		if err := unmarshalParams(msg.Params, &params); err == nil {
			h.RegisterRuntime(cid, params)
		}

	case MethodUpdateMetadata:
		var params UpdateMetadataParams
		if err := unmarshalParams(msg.Params, &params); err == nil {
			_, _ = h.UpdateMetadata(cid, params)
		}

	case MethodUnregister:
		var params UnregisterParams
		if err := unmarshalParams(msg.Params, &params); err == nil {
			h.UnregisterRuntime(cid, params.RuntimeID)
		}

	case MethodRuntimeEvent:
		var params EventParams
		if err := unmarshalParams(msg.Params, &params); err == nil {
			h.ApplyRuntimeEvent(params)
		}
	}
}

func mustResult(id json.RawMessage, result any) *rpc.Response {
	resp, err := rpc.NewResult(id, result)
	if err != nil {
		return rpc.NewErrorResponse(id, rpc.CodeServerError, err.Error())
	}
	return resp
}

func writeResponse(conn net.Conn, resp *rpc.Response, logger *slog.Logger) {
	payload, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("dropping codexd response, encode failed", "error", err)
		return
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		logger.Warn("codexd connection write error", "error", err)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
