package transport

import "github.com/nugget/codexhub/internal/rpc"

// ConnectionID identifies a single connection for the lifetime of the
// process. Stdio connections are always id 0; WebSocket and UDS
// connections are assigned from a shared monotonic counter starting at 1.
type ConnectionID uint64

// OutgoingMessage is anything JSON-marshalable destined for a single
// connection's mailbox. The session and hub build these as *rpc.Response
// or *rpc.Notification; the transport layer never inspects the payload.
type OutgoingMessage = any

// Event is one of ConnectionOpened, ConnectionClosed, or IncomingMessage,
// emitted onto a Bus by a transport's reader/acceptor goroutines and
// consumed by exactly one session processor goroutine.
type Event interface {
	isTransportEvent()
}

// ConnectionOpened is emitted once per connection, immediately after its
// mailbox is created and before any IncomingMessage for that connection.
type ConnectionOpened struct {
	ConnectionID ConnectionID
	Writer       *Mailbox
}

func (ConnectionOpened) isTransportEvent() {}

// ConnectionClosed is emitted exactly once per connection, after which no
// further IncomingMessage for that ConnectionID will arrive.
type ConnectionClosed struct {
	ConnectionID ConnectionID
}

func (ConnectionClosed) isTransportEvent() {}

// IncomingMessage carries one successfully decoded JSON-RPC message from
// a connection. Frames that fail to parse as JSON are logged and dropped
// by the reader before reaching the bus; they never become an Event.
type IncomingMessage struct {
	ConnectionID ConnectionID
	Message      rpc.Message
}

func (IncomingMessage) isTransportEvent() {}
