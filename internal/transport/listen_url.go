package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultListenURL is the listen URL used when none is configured.
const DefaultListenURL = "stdio://"

// ChannelCapacity is the size of every per-connection outbound mailbox.
// 128 is a balance between throughput and memory for interactive CLI
// traffic; see internal/producer for the separate, larger constants
// used by the producer's command channel and pending-line buffer.
const ChannelCapacity = 128

// Kind identifies which concrete transport a ListenURL resolved to.
type Kind int

const (
	KindStdio Kind = iota
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindStdio:
		return "stdio"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ListenURL is a parsed --listen value.
type ListenURL struct {
	Kind Kind
	// BindAddr is set only for KindWebSocket, as "IP:PORT".
	BindAddr string
}

// ParseListenURL parses a listen-url string per the grammar:
//
//	listen-url := "stdio://" | "ws://" IPv4-or-IPv6 ":" PORT
//
// Hostnames are rejected for ws:// — the literal IP:PORT must parse as a
// socket address.
func ParseListenURL(raw string) (ListenURL, error) {
	if raw == DefaultListenURL {
		return ListenURL{Kind: KindStdio}, nil
	}

	if rest, ok := strings.CutPrefix(raw, "ws://"); ok {
		host, port, err := net.SplitHostPort(rest)
		if err == nil {
			_, err = strconv.ParseUint(port, 10, 16)
		}
		if err != nil || net.ParseIP(host) == nil {
			return ListenURL{}, fmt.Errorf("invalid websocket --listen URL `%s`; expected `ws://IP:PORT`", raw)
		}
		return ListenURL{Kind: KindWebSocket, BindAddr: rest}, nil
	}

	return ListenURL{}, fmt.Errorf("unsupported --listen URL `%s`; expected `stdio://` or `ws://IP:PORT`", raw)
}
