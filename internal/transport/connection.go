package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// runByteStreamConnection wires a single newline-delimited-JSON byte
// stream (stdio or a UDS connection) into the bus. It sends
// ConnectionOpened before spawning the reader, so the session processor
// always learns of a connection before any message it sent. It then
// spawns one reader goroutine and one writer goroutine, matching
// gorilla/websocket's "one reader, one writer" contract so the same
// pattern holds across every transport kind. Either goroutine ending
// does not force the other to stop; the session processor decides when
// to Close the mailbox (for example, after the reader reports
// ConnectionClosed), which in turn lets the writer goroutine drain and
// exit.
func runByteStreamConnection(ctx context.Context, id ConnectionID, r io.Reader, w io.Writer, bus *Bus, logger *slog.Logger) error {
	mailbox := NewMailbox(ChannelCapacity)

	if err := bus.Send(ctx, ConnectionOpened{ConnectionID: id, Writer: mailbox}); err != nil {
		return err
	}

	go runLineReader(ctx, id, r, bus, logger)
	go runLineWriter(id, w, mailbox, logger)

	return nil
}

func runLineReader(ctx context.Context, id ConnectionID, r io.Reader, bus *Bus, logger *slog.Logger) {
	reader := newLineReader(r)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("connection read error", "connection_id", id, "error", err)
			}
			if sendErr := bus.Send(ctx, ConnectionClosed{ConnectionID: id}); sendErr != nil {
				logger.Debug("dropping connection-closed event, bus send failed", "connection_id", id, "error", sendErr)
			}
			return
		}

		msg, err := decodeMessage(frame)
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

func runLineWriter(id ConnectionID, w io.Writer, mailbox *Mailbox, logger *slog.Logger) {
	writer := newLineWriter(w)
	for {
		msg, ok := mailbox.Recv()
		if !ok {
			return
		}
		payload, err := encodeFrame(msg)
		if err != nil {
			logger.Warn("dropping outgoing message, encode failed", "connection_id", id, "error", err)
			continue
		}
		if err := writer.WriteFrame(payload); err != nil {
			logger.Warn("connection write error", "connection_id", id, "error", err)
			return
		}
	}
}
