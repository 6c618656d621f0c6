package transport

import (
	"context"
	"log/slog"
	"os"
)

// StartStdio wires os.Stdin/os.Stdout as the single connection, always
// assigned ConnectionID 0. It emits ConnectionOpened immediately and
// returns; the reader and writer goroutines run until stdin hits EOF or
// the session closes the mailbox.
func StartStdio(ctx context.Context, bus *Bus, logger *slog.Logger) error {
	const stdioConnectionID ConnectionID = 0

	return runByteStreamConnection(ctx, stdioConnectionID, os.Stdin, os.Stdout, bus, logger)
}
