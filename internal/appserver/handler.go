// Package appserver supplies the session.Handler the codex-app-server
// binary runs on top of internal/session: the opaque "initialize"
// handshake spec.md leaves to the embedding application, plus relaying
// every other connection's traffic to codexd (via an embedded producer)
// and to the rest of this process's own initialized connections.
package appserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/codexhub/internal/buildinfo"
	"github.com/nugget/codexhub/internal/hub"
	"github.com/nugget/codexhub/internal/producer"
	"github.com/nugget/codexhub/internal/rpc"
	"github.com/nugget/codexhub/internal/session"
	"github.com/nugget/codexhub/internal/transport"
)

// MethodInitialize is the one method this handler interprets itself;
// every other request/notification either relays or is answered with
// CodeServerError, since the actual agent engine is a separate,
// out-of-scope collaborator (spec.md §1).
const MethodInitialize = "initialize"

// InitializeResult is the minimal handshake response. Clients that need
// richer capability negotiation are expected to ride the Params field.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies this process to a freshly initialized client.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ProtocolVersion is the handshake version this app-server speaks.
const ProtocolVersion = "2024-11-05"

// New builds a session.Handler that relays every notification it sees to
// prod under the handler's own runtime id (the app-server process is
// itself one runtime as far as codexd is concerned), and otherwise
// broadcasts non-initialize traffic to this process's own initialized
// connections so multiple local clients (e.g. a TUI and a companion
// dashboard attached to the same app-server) observe each other's
// activity.
func New(prod *producer.Producer, logger *slog.Logger) session.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, p *session.Processor, cid transport.ConnectionID, msg rpc.Message) {
		switch {
		case msg.IsRequest():
			handleRequest(p, cid, msg, prod, logger)
		case msg.IsNotification():
			handleNotification(p, cid, msg, prod, logger)
		default:
			logger.Warn("app-server ignoring frame that is neither request nor notification", "connection_id", cid)
		}
	}
}

func handleRequest(p *session.Processor, cid transport.ConnectionID, msg rpc.Message, prod *producer.Producer, logger *slog.Logger) {
	switch msg.Method {
	case MethodInitialize:
		p.SetInitialized(cid, true)
		result := InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "codex-app-server", Version: buildinfo.Version},
		}
		resp, err := rpc.NewResult(msg.ID, result)
		if err != nil {
			logger.Warn("failed to encode initialize result", "connection_id", cid, "error", err)
			resp = rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, err.Error())
		}
		p.Route(session.ToConnection{ConnectionID: cid, Message: resp})

	default:
		p.Route(session.ToConnection{
			ConnectionID: cid,
			Message:      rpc.NewErrorResponse(msg.ID, rpc.CodeServerError, "unknown method "+quote(msg.Method)),
		})
	}
}

func handleNotification(p *session.Processor, cid transport.ConnectionID, msg rpc.Message, prod *producer.Producer, logger *slog.Logger) {
	var params any
	if len(msg.Params) > 0 {
		var decoded any
		if err := json.Unmarshal(msg.Params, &decoded); err != nil {
			logger.Warn("discarding notification with unparseable params", "connection_id", cid, "method", msg.Method, "error", err)
			return
		}
		params = decoded
	}

	if prod != nil {
		prod.Publish(hub.HubNotification{Method: msg.Method, Params: params})
	}

	if p.HasInitializedConnections() {
		p.Route(session.Broadcast{Message: rpc.NewNotification(msg.Method, params)})
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
