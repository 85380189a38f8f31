package transport_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
	"github.com/CloudNativeWorks/elchi-ota/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionConnectReusesLiveConnection(t *testing.T) {
	fake := transporttest.NewFake()
	s := transport.NewSession(fake, nil, transport.SessionOptions{ReconnectDelay: time.Second})
	defer s.Teardown()

	require.NoError(t, s.Connect(context.Background(), "fw.local", 80))
	require.NoError(t, s.Connect(context.Background(), "fw.local", 80))

	assert.Equal(t, 1, fake.Connects())
	assert.Equal(t, transport.Connected, s.State())
}

func TestSessionReconnectsAfterPeerClosed(t *testing.T) {
	fake := transporttest.NewFake(transporttest.Response{Data: []byte("x")})
	s := transport.NewSession(fake, nil, transport.SessionOptions{ReconnectDelay: time.Second})
	defer s.Teardown()

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "fw.local", 80))
	require.NoError(t, fake.Send([]byte("GET")))
	_, err := fake.ReadByte()
	require.NoError(t, err)
	require.False(t, fake.IsConnected())

	start := time.Now()
	require.NoError(t, s.Connect(ctx, "fw.local", 80))
	assert.Equal(t, 2, fake.Connects())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a clean reconnect must not wait")
}

func TestSessionConnectFailureLeavesDisconnected(t *testing.T) {
	fake := transporttest.NewFake()
	fake.FailConnects(errors.New("connection refused"))
	s := transport.NewSession(fake, nil, transport.SessionOptions{ReconnectDelay: 50 * time.Millisecond})
	defer s.Teardown()

	err := s.Connect(context.Background(), "fw.local", 80)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnectFailed)
	assert.Equal(t, transport.Disconnected, s.State())
}

func TestSessionWaitsReconnectDelayAfterFailure(t *testing.T) {
	delay := 80 * time.Millisecond
	fake := transporttest.NewFake()
	fake.FailConnects(errors.New("no carrier"))
	s := transport.NewSession(fake, nil, transport.SessionOptions{ReconnectDelay: delay})
	defer s.Teardown()

	ctx := context.Background()
	require.Error(t, s.Connect(ctx, "fw.local", 80))

	start := time.Now()
	require.NoError(t, s.Connect(ctx, "fw.local", 80))
	assert.GreaterOrEqual(t, time.Since(start), delay-10*time.Millisecond)
	assert.Equal(t, 2, fake.Connects())
}

func TestSessionReconnectDelayHonoursContext(t *testing.T) {
	fake := transporttest.NewFake()
	fake.FailConnects(errors.New("no carrier"))
	s := transport.NewSession(fake, nil, transport.SessionOptions{ReconnectDelay: time.Hour})
	defer s.Teardown()

	require.Error(t, s.Connect(context.Background(), "fw.local", 80))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx, "fw.local", 80)
	require.Error(t, err)
	assert.Equal(t, 1, fake.Connects())
}

func TestSessionBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fake := transporttest.NewFake()
	fake.FailConnects(errors.New("a"), errors.New("b"), errors.New("c"))
	s := transport.NewSession(fake, nil, transport.SessionOptions{
		ReconnectDelay: time.Millisecond,
		BreakerTimeout: time.Hour,
	})
	defer s.Teardown()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, s.Connect(ctx, "fw.local", 80))
	}

	err := s.Connect(ctx, "fw.local", 80)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnectFailed)
	assert.Equal(t, 3, fake.Connects(), "open breaker must not dial")
}

func TestSessionSingleOwnerPerEndpoint(t *testing.T) {
	first := transport.NewSession(transporttest.NewFake(), nil, transport.SessionOptions{})
	second := transport.NewSession(transporttest.NewFake(), nil, transport.SessionOptions{})
	defer second.Teardown()

	ctx := context.Background()
	require.NoError(t, first.Connect(ctx, "owner.local", 80))

	err := second.Connect(ctx, "owner.local", 80)
	assert.ErrorIs(t, err, transport.ErrSessionBusy)

	first.Teardown()
	assert.NoError(t, second.Connect(ctx, "owner.local", 80))
}

func TestSessionAttach(t *testing.T) {
	t.Run("binds local address", func(t *testing.T) {
		attacher := &transporttest.Attacher{Addr: netip.MustParseAddr("10.64.0.7")}
		tcp := transport.NewTCPTransport(time.Second)
		s := transport.NewSession(tcp, attacher, transport.SessionOptions{})

		require.NoError(t, s.Attach(context.Background()))
		require.NoError(t, s.Attach(context.Background()))
		assert.Equal(t, 1, attacher.Attaches)

		s.Teardown()
		assert.Equal(t, 1, attacher.Detaches)
	})

	t.Run("failure is network unavailable", func(t *testing.T) {
		attacher := &transporttest.Attacher{Err: errors.New("modem off")}
		s := transport.NewSession(transporttest.NewFake(), attacher, transport.SessionOptions{})
		defer s.Teardown()

		err := s.Attach(context.Background())
		assert.ErrorIs(t, err, transport.ErrNetworkUnavailable)
		assert.Equal(t, 0, attacher.Detaches)
	})
}
