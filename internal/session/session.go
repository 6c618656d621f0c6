// Package session implements the app-server's single-task processor:
// it consumes transport.Events, tracks per-connection session state,
// and routes outbound envelopes back to one connection or to every
// initialized connection. The actual message semantics (what an
// "initialize" request looks like, how a reply is built) are opaque to
// this package and supplied by the caller as a Handler.
package session

import (
	"context"
	"log/slog"

	"github.com/nugget/codexhub/internal/rpc"
	"github.com/nugget/codexhub/internal/transport"
)

// ConnectionState is the per-connection bookkeeping the processor owns.
// Initialized starts false and is flipped by the Handler once the
// connection completes whatever handshake the embedding application
// requires; non-initialized connections never receive a Broadcast.
type ConnectionState struct {
	Writer      *transport.Mailbox
	Initialized bool
}

// Handler processes one decoded message for one connection. It may call
// back into the Processor to flip Initialized or to Route further
// envelopes (including replies) — handlers run on the processor's own
// goroutine, so no additional synchronization is needed.
type Handler func(ctx context.Context, p *Processor, cid transport.ConnectionID, msg rpc.Message)

// Processor is the single-task consumer of a transport.Bus. It is not
// safe for concurrent use beyond its own Run loop; Route and
// SetInitialized are meant to be called only from within a Handler
// invocation or before Run starts.
type Processor struct {
	bus         *transport.Bus
	logger      *slog.Logger
	handler     Handler
	connections map[transport.ConnectionID]*ConnectionState
}

// NewProcessor builds a Processor reading from bus and dispatching
// IncomingMessage events to handler.
func NewProcessor(bus *transport.Bus, logger *slog.Logger, handler Handler) *Processor {
	return &Processor{
		bus:         bus,
		logger:      logger,
		handler:     handler,
		connections: make(map[transport.ConnectionID]*ConnectionState),
	}
}

// Run drains the bus until ctx is done or the bus is closed.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.bus.Events():
			if !ok {
				return
			}
			p.handleEvent(ctx, ev)
		}
	}
}

func (p *Processor) handleEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.ConnectionOpened:
		p.connections[e.ConnectionID] = &ConnectionState{Writer: e.Writer}

	case transport.ConnectionClosed:
		p.evict(e.ConnectionID)

	case transport.IncomingMessage:
		if p.handler != nil {
			p.handler(ctx, p, e.ConnectionID, e.Message)
		}

	default:
		p.logger.Warn("ignoring unrecognized transport event", "event", ev)
	}
}

// SetInitialized flips the session-initialized flag for cid, a no-op if
// the connection is already gone.
func (p *Processor) SetInitialized(cid transport.ConnectionID, initialized bool) {
	if cs, ok := p.connections[cid]; ok {
		cs.Initialized = initialized
	}
}

// HasInitializedConnections reports whether any connection has
// completed its handshake, for callers that want to skip building a
// Broadcast payload when nobody would receive it.
func (p *Processor) HasInitializedConnections() bool {
	for _, cs := range p.connections {
		if cs.Initialized {
			return true
		}
	}
	return false
}

func (p *Processor) evict(cid transport.ConnectionID) {
	cs, ok := p.connections[cid]
	if !ok {
		return
	}
	cs.Writer.Close()
	delete(p.connections, cid)
}
