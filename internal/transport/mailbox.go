package transport

import "errors"

// ErrMailboxClosed is returned by Mailbox.Send once the mailbox has been
// closed by its owner.
var ErrMailboxClosed = errors.New("transport: mailbox closed")

// Mailbox is a connection's outbound queue. It is created by the
// connection's acceptor goroutine and handed to the session processor
// inside a ConnectionOpened event; the session processor is the sole
// owner of Send and Close (it is single-goroutine by design, so no
// additional locking is needed there). The paired writer goroutine is
// the sole caller of Recv.
type Mailbox struct {
	ch     chan OutgoingMessage
	closed bool
}

func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{ch: make(chan OutgoingMessage, capacity)}
}

// Send enqueues v for delivery, blocking if the mailbox is full. This is
// the system's only flow-control mechanism: there is no timeout, so a
// wedged writer goroutine blocks the calling session processor, and
// because that processor is a single goroutine, routing to every other
// connection waits too until this mailbox has room.
func (m *Mailbox) Send(v OutgoingMessage) error {
	if m.closed {
		return ErrMailboxClosed
	}
	m.ch <- v
	return nil
}

// Close tears the mailbox down, causing the paired writer goroutine's
// Recv to return ok=false once any already-queued messages are drained.
// Idempotent.
func (m *Mailbox) Close() {
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Recv is called only by the writer goroutine paired with this mailbox.
func (m *Mailbox) Recv() (OutgoingMessage, bool) {
	v, ok := <-m.ch
	return v, ok
}
