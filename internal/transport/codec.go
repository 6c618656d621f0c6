package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/codexhub/internal/rpc"
)

// lineReader frames a byte stream (stdio, UDS) as newline-delimited
// JSON, matching the stdio/UDS framing in the original transport: empty
// and whitespace-only lines are skipped rather than treated as malformed
// input.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame returns the next non-blank line with its trailing newline
// stripped, or io.EOF once the stream ends cleanly. A final line with no
// trailing newline is still returned; the subsequent call then reports
// io.EOF on an empty read.
func (lr *lineReader) ReadFrame() (string, error) {
	for {
		line, err := lr.r.ReadString('\n')
		trimmed := trimTrailingNewline(line)
		if strings.TrimSpace(trimmed) != "" {
			return trimmed, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// lineWriter frames outgoing payloads the same way.
type lineWriter struct {
	w io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (lw *lineWriter) WriteFrame(payload string) error {
	_, err := io.WriteString(lw.w, payload+"\n")
	return err
}

// encodeFrame serializes an outgoing message to its wire form. Callers
// log and drop the message on failure rather than closing the connection.
func encodeFrame(v OutgoingMessage) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return string(raw), nil
}

// decodeMessage parses a single frame as a JSON-RPC message. Callers log
// and discard the frame on error rather than tearing down the connection.
func decodeMessage(frame string) (rpc.Message, error) {
	var msg rpc.Message
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		return rpc.Message{}, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}
