package session

import "github.com/nugget/codexhub/internal/transport"

// OutgoingEnvelope is either a ToConnection or a Broadcast, the two
// shapes the processor's Route method understands.
type OutgoingEnvelope interface {
	isOutgoingEnvelope()
}

// ToConnection directs message at exactly one connection.
type ToConnection struct {
	ConnectionID transport.ConnectionID
	Message      transport.OutgoingMessage
}

func (ToConnection) isOutgoingEnvelope() {}

// Broadcast delivers message to every currently initialized connection.
type Broadcast struct {
	Message transport.OutgoingMessage
}

func (Broadcast) isOutgoingEnvelope() {}

// Route implements route_outgoing_envelope: a ToConnection whose target
// is absent is logged and dropped; a ToConnection whose mailbox send
// fails evicts that connection. A Broadcast iterates a snapshot of
// currently-initialized connections taken at call time — a connection
// that initializes mid-iteration is not retroactively included, and one
// that disconnects mid-iteration is simply absent from the live map by
// the time its turn comes up.
func (p *Processor) Route(envelope OutgoingEnvelope) {
	switch e := envelope.(type) {
	case ToConnection:
		p.routeToConnection(e)
	case Broadcast:
		p.routeBroadcast(e)
	}
}

func (p *Processor) routeToConnection(e ToConnection) {
	cs, ok := p.connections[e.ConnectionID]
	if !ok {
		p.logger.Warn("dropping outbound message for unknown connection", "connection_id", e.ConnectionID)
		return
	}
	if err := cs.Writer.Send(e.Message); err != nil {
		p.logger.Warn("evicting connection after mailbox send failure", "connection_id", e.ConnectionID, "error", err)
		p.evict(e.ConnectionID)
	}
}

func (p *Processor) routeBroadcast(e Broadcast) {
	targets := make([]transport.ConnectionID, 0, len(p.connections))
	for cid, cs := range p.connections {
		if cs.Initialized {
			targets = append(targets, cid)
		}
	}

	for _, cid := range targets {
		cs, ok := p.connections[cid]
		if !ok {
			continue
		}
		if err := cs.Writer.Send(e.Message); err != nil {
			p.logger.Warn("evicting subscriber after broadcast send failure", "connection_id", cid, "error", err)
			p.evict(cid)
		}
	}
}
