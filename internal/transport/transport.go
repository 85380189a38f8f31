// Package transport provides the byte-stream connection the update agent
// talks HTTP over, and the session that owns it for one update cycle.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrConnectFailed      = errors.New("connect failed")
	ErrNotConnected       = errors.New("not connected")
	ErrSessionBusy        = errors.New("endpoint already owned by another session")
)

// Transport is a client byte stream with non-blocking availability checks.
// Reads are byte at a time; Available reports how many bytes can be read
// without blocking.
type Transport interface {
	Connect(ctx context.Context, host string, port int) error
	Disconnect() error
	// IsConnected stays true until the peer closed and every buffered
	// byte was read.
	IsConnected() bool
	Send(p []byte) error
	Available() int
	ReadByte() (byte, error)
}

// State of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
