package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPeer(t *testing.T, handle func(conn net.Conn)) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func waitAvailable(t *testing.T, tr *TCPTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.Available() >= n }, 2*time.Second, time.Millisecond)
}

func TestTCPTransportRoundTrip(t *testing.T) {
	host, port := startPeer(t, func(conn net.Conn) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write([]byte("pong"))
	})

	tr := NewTCPTransport(time.Second)
	require.NoError(t, tr.Connect(context.Background(), host, port))
	defer tr.Disconnect()

	assert.Equal(t, 0, tr.Available())
	require.NoError(t, tr.Send([]byte("ping")))

	waitAvailable(t, tr, 4)

	var got []byte
	for tr.Available() > 0 {
		b, err := tr.ReadByte()
		require.NoError(t, err)
		got = append(got, b)
	}
	assert.Equal(t, "pong", string(got))
}

func TestTCPTransportBufferedBytesOutlivePeerClose(t *testing.T) {
	host, port := startPeer(t, func(conn net.Conn) {
		conn.Write([]byte("bye"))
	})

	tr := NewTCPTransport(time.Second)
	require.NoError(t, tr.Connect(context.Background(), host, port))
	defer tr.Disconnect()

	waitAvailable(t, tr, 3)
	assert.True(t, tr.IsConnected())

	for i := 0; i < 3; i++ {
		_, err := tr.ReadByte()
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return !tr.IsConnected() }, 2*time.Second, time.Millisecond)
	_, err := tr.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCPTransportConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewTCPTransport(time.Second)
	err = tr.Connect(context.Background(), "127.0.0.1", port)
	assert.Error(t, err)
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Send([]byte("x")), ErrNotConnected)
}
