package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publish struct {
	topic   string
	payload []byte
}

// readPacket reads one MQTT control packet: its type byte and body.
func readPacket(r *bufio.Reader) (byte, []byte, error) {
	head, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	return head, body, err
}

// fakeBroker accepts one client, acknowledges its CONNECT and hands back
// the first PUBLISH it receives.
func fakeBroker(t *testing.T) (string, <-chan publish) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan publish, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		r := bufio.NewReader(conn)

		head, _, err := readPacket(r)
		if err != nil || head>>4 != 1 {
			return
		}
		if _, err := conn.Write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
			return
		}

		for {
			head, body, err := readPacket(r)
			if err != nil {
				return
			}
			if head>>4 != 3 || len(body) < 2 {
				continue
			}
			n := int(binary.BigEndian.Uint16(body))
			rest := body[2+n:]
			if i := bytes.IndexByte(rest, '{'); i >= 0 {
				rest = rest[i:]
			}
			out <- publish{topic: string(body[2 : 2+n]), payload: rest}
			return
		}
	}()

	return ln.Addr().String(), out
}

func TestMQTTReporterPublishesStatus(t *testing.T) {
	addr, published := fakeBroker(t)
	r := NewMQTTReporter(addr, "elchi/ota/status", "device-1")

	err := r.Report(context.Background(), Status{
		DeviceID:      "device-1",
		State:         Downloading,
		LocalVersion:  1.0,
		ServerVersion: 1.5,
		Progress:      "50%",
	})
	require.NoError(t, err)

	select {
	case msg := <-published:
		assert.Equal(t, "elchi/ota/status", msg.topic)

		var got map[string]any
		require.NoError(t, json.Unmarshal(msg.payload, &got))
		assert.Equal(t, "downloading", got["state"])
		assert.Equal(t, "device-1", got["device_id"])
		assert.Equal(t, "50%", got["progress"])
		assert.Equal(t, 1.5, got["server_version"])
	case <-time.After(5 * time.Second):
		t.Fatal("broker received no publish")
	}
}

func TestMQTTReporterUnreachableBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	r := NewMQTTReporter(addr, "elchi/ota/status", "device-1")
	assert.Error(t, r.Report(context.Background(), Status{State: NoUpdate}))
}

type failingReporter struct{}

func (failingReporter) Report(ctx context.Context, st Status) error {
	return errors.New("broker down")
}

func TestMultiReporterKeepsGoing(t *testing.T) {
	rec := &recordingReporter{}
	m := newMultiReporter(failingReporter{}, rec, NewLogReporter())

	err := m.Report(context.Background(), Status{State: Applying})
	assert.Error(t, err)
	assert.Equal(t, []State{Applying}, rec.states())
}
