package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// The app-server protocol is a sequence of text frames, not a
	// browser page; cross-origin checks don't apply here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsNextConnectionID is shared across the process: stdio always uses 0,
// so WebSocket (and UDS) connections count up from 1 regardless of which
// acceptor assigns them.
var wsNextConnectionID atomic.Uint64

func init() {
	wsNextConnectionID.Store(1)
}

func nextConnectionID() ConnectionID {
	return ConnectionID(wsNextConnectionID.Add(1) - 1)
}

// StartWebSocket binds bindAddr and serves the WebSocket acceptor until
// ctx is canceled. bearerToken, if non-empty, must match either the
// Authorization header or a token= query parameter on the upgrade
// request; an empty bearerToken authorizes every connection.
func StartWebSocket(ctx context.Context, bindAddr, bearerToken string, bus *Bus, logger *slog.Logger) (net.Addr, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !websocketRequestIsAuthorized(r, bearerToken) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		id := nextConnectionID()
		logger.Info("websocket connection accepted", "connection_id", id, "remote", r.RemoteAddr)
		runWebsocketConnection(ctx, id, conn, bus, logger)
	})

	server := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	go func() {
		if err := server.Serve(listener); err != nil && ctx.Err() == nil {
			logger.Error("websocket acceptor stopped", "error", err)
		}
	}()

	return listener.Addr(), nil
}

// websocketRequestIsAuthorized checks the Authorization header first,
// then a token= query parameter, for an exact match against
// bearerToken. An empty bearerToken authorizes everything.
func websocketRequestIsAuthorized(r *http.Request, bearerToken string) bool {
	if bearerToken == "" {
		return true
	}

	if r.Header.Get("Authorization") == "Bearer "+bearerToken {
		return true
	}

	return r.URL.Query().Get("token") == bearerToken
}

func runWebsocketConnection(ctx context.Context, id ConnectionID, conn *websocket.Conn, bus *Bus, logger *slog.Logger) {
	mailbox := NewMailbox(ChannelCapacity)

	if err := bus.Send(ctx, ConnectionOpened{ConnectionID: id, Writer: mailbox}); err != nil {
		_ = conn.Close()
		return
	}

	go runWebsocketReader(ctx, id, conn, bus, logger)
	go runWebsocketWriter(id, conn, mailbox, logger)
}

func runWebsocketReader(ctx context.Context, id ConnectionID, conn *websocket.Conn, bus *Bus, logger *slog.Logger) {
	defer conn.Close()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "connection_id", id, "error", err)
			}
			if sendErr := bus.Send(ctx, ConnectionClosed{ConnectionID: id}); sendErr != nil {
				logger.Debug("dropping connection-closed event, bus send failed", "connection_id", id, "error", sendErr)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			logger.Warn("rejecting binary websocket frame", "connection_id", id)
			continue
		}

		msg, err := decodeMessage(string(data))
		if err != nil {
			logger.Warn("discarding unparseable frame", "connection_id", id, "error", err)
			continue
		}

		if err := bus.Send(ctx, IncomingMessage{ConnectionID: id, Message: msg}); err != nil {
			logger.Debug("dropping incoming message, bus send failed", "connection_id", id, "error", err)
			return
		}
	}
}

func runWebsocketWriter(id ConnectionID, conn *websocket.Conn, mailbox *Mailbox, logger *slog.Logger) {
	for {
		msg, ok := mailbox.Recv()
		if !ok {
			_ = conn.Close()
			return
		}
		payload, err := encodeFrame(msg)
		if err != nil {
			logger.Warn("dropping outgoing message, encode failed", "connection_id", id, "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			logger.Warn("websocket write error", "connection_id", id, "error", err)
			return
		}
	}
}
