package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	pollDeadline = time.Millisecond
	readChunk    = 512
)

// TCPTransport implements Transport on a TCP socket. Availability is
// probed with a short read deadline and whatever arrives is buffered.
type TCPTransport struct {
	mu          sync.Mutex
	dialTimeout time.Duration
	localAddr   netip.Addr
	conn        net.Conn
	rx          []byte
	scratch     []byte
	eof         bool
}

// NewTCPTransport returns a disconnected transport.
func NewTCPTransport(dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{
		dialTimeout: dialTimeout,
		scratch:     make([]byte, readChunk),
	}
}

// BindLocal pins outgoing connections to addr, usually the modem address.
func (t *TCPTransport) BindLocal(addr netip.Addr) {
	t.mu.Lock()
	t.localAddr = addr
	t.mu.Unlock()
}

func (t *TCPTransport) Connect(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeLocked()

	dialer := net.Dialer{Timeout: t.dialTimeout}
	if t.localAddr.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: t.localAddr.AsSlice()}
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	t.conn = conn
	t.rx = t.rx[:0]
	t.eof = false
	return nil
}

func (t *TCPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *TCPTransport) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.rx = t.rx[:0]
	t.eof = true
	return err
}

func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return false
	}
	if len(t.rx) > 0 {
		return true
	}
	if !t.eof {
		t.pollLocked()
	}
	return !t.eof || len(t.rx) > 0
}

func (t *TCPTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.eof {
		return ErrNotConnected
	}
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (t *TCPTransport) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return 0
	}
	if len(t.rx) == 0 && !t.eof {
		t.pollLocked()
	}
	return len(t.rx)
}

func (t *TCPTransport) ReadByte() (byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.rx) == 0 {
		if t.conn == nil || t.eof {
			return 0, io.EOF
		}
		t.pollLocked()
		if len(t.rx) == 0 {
			return 0, io.ErrNoProgress
		}
	}

	b := t.rx[0]
	t.rx = t.rx[1:]
	return b, nil
}

// pollLocked does one read bounded by pollDeadline.
func (t *TCPTransport) pollLocked() {
	if err := t.conn.SetReadDeadline(time.Now().Add(pollDeadline)); err != nil {
		t.eof = true
		return
	}
	n, err := t.conn.Read(t.scratch)
	if n > 0 {
		t.rx = append(t.rx, t.scratch[:n]...)
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		t.eof = true
	}
}
