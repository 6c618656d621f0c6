// Package transport multiplexes heterogeneous connections — a single
// stdio pair, or many WebSocket or Unix-domain-socket connections — onto
// one JSON-RPC event bus. Every connection gets a monotonic
// ConnectionID, a bounded outbound Mailbox, and exactly one reader and
// one writer goroutine; the session package is the sole consumer of the
// resulting Bus.
package transport

import (
	"context"
	"fmt"
	"log/slog"
)

// Start resolves a listen URL and brings up the corresponding
// acceptor(s). For KindStdio this is a single synchronous connection
// setup; for KindWebSocket it binds bindAddr and accepts connections in
// the background until ctx is canceled.
func Start(ctx context.Context, listen ListenURL, bearerToken string, bus *Bus, logger *slog.Logger) error {
	switch listen.Kind {
	case KindStdio:
		return StartStdio(ctx, bus, logger)
	case KindWebSocket:
		addr, err := StartWebSocket(ctx, listen.BindAddr, bearerToken, bus, logger)
		if err != nil {
			return err
		}
		logger.Info("websocket acceptor listening", "addr", addr)
		return nil
	default:
		return fmt.Errorf("transport: unhandled listen kind %v", listen.Kind)
	}
}
