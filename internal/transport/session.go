package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// owners maps host:port to the session currently holding it.
var owners = struct {
	sync.Mutex
	m map[string]*Session
}{m: make(map[string]*Session)}

func claim(endpoint string, s *Session) error {
	owners.Lock()
	defer owners.Unlock()

	if cur, ok := owners.m[endpoint]; ok && cur != s {
		return fmt.Errorf("%w: %s held by session %s", ErrSessionBusy, endpoint, cur.id)
	}
	owners.m[endpoint] = s
	return nil
}

func release(endpoint string, s *Session) {
	owners.Lock()
	defer owners.Unlock()

	if owners.m[endpoint] == s {
		delete(owners.m, endpoint)
	}
}

type localBinder interface {
	BindLocal(addr netip.Addr)
}

// SessionOptions tunes reconnect pacing.
type SessionOptions struct {
	// ReconnectDelay is the minimum spacing between connect attempts once
	// an attempt failed.
	ReconnectDelay time.Duration
	// BreakerTimeout is how long the connect breaker stays open.
	BreakerTimeout time.Duration
}

// Session owns one Transport for the length of an update cycle.
type Session struct {
	mu        sync.Mutex
	id        string
	transport Transport
	attacher  Attacher
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	state     State
	endpoint  string
	attached  bool
	failed    bool
	log       *logger.Logger
}

// NewSession wraps t. attacher may be nil when the route is always up.
func NewSession(t Transport, attacher Attacher, opts SessionOptions) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 60 * time.Second
	}

	s := &Session{
		id:        uuid.New().String(),
		transport: t,
		attacher:  attacher,
		limiter:   rate.NewLimiter(rate.Every(opts.ReconnectDelay), 1),
		log:       logger.NewLogger("transport"),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "connect-breaker",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.log.Warnf("Circuit breaker state changed from %v to %v", from, to)
		},
	})

	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Transport() Transport {
	return s.transport
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach runs the network attachment once per session.
func (s *Session) Attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached || s.attacher == nil {
		return nil
	}

	addr, err := s.attacher.Attach(ctx)
	if err != nil {
		if !errors.Is(err, ErrNetworkUnavailable) {
			err = fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		return err
	}

	if b, ok := s.transport.(localBinder); ok && addr.IsValid() {
		b.BindLocal(addr)
	}
	s.attached = true
	return nil
}

// Connect opens the transport to host:port, reusing a live connection to
// the same endpoint. After a failed attempt the next one waits for the
// reconnect delay.
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoint := net.JoinHostPort(host, strconv.Itoa(port))

	if s.state == Connected {
		if s.endpoint == endpoint && s.transport.IsConnected() {
			return nil
		}
		s.disconnectLocked()
	}

	if err := claim(endpoint, s); err != nil {
		return err
	}

	if s.failed {
		if err := s.limiter.Wait(ctx); err != nil {
			release(endpoint, s)
			return err
		}
	}

	s.state = Connecting
	s.endpoint = endpoint

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.transport.Connect(ctx, host, port)
	})
	if err != nil {
		s.state = Disconnected
		s.endpoint = ""
		release(endpoint, s)
		s.markFailedLocked()

		s.log.WithFields(logger.Fields{
			"session":  s.id,
			"endpoint": endpoint,
		}).Warnf("Connection failed: %v", err)
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, endpoint, err)
	}

	s.state = Connected
	s.failed = false

	s.log.WithFields(logger.Fields{
		"session":  s.id,
		"endpoint": endpoint,
	}).Debug("Connected")
	return nil
}

// Backoff makes the next Connect wait for the reconnect delay, used when
// the peer stopped answering on an open connection.
func (s *Session) Backoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markFailedLocked()
}

func (s *Session) markFailedLocked() {
	s.limiter.Allow()
	s.failed = true
}

// Disconnect closes the transport and releases the endpoint.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Session) disconnectLocked() {
	if err := s.transport.Disconnect(); err != nil {
		s.log.Debugf("Disconnect: %v", err)
	}
	if s.endpoint != "" {
		release(s.endpoint, s)
	}
	s.endpoint = ""
	s.state = Disconnected
}

// Teardown disconnects and detaches from the network.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnectLocked()
	if s.attached && s.attacher != nil {
		if err := s.attacher.Detach(); err != nil {
			s.log.Warnf("Detach failed: %v", err)
		}
	}
	s.attached = false
}
