// Package transporttest provides a scripted Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
)

var errNoData = errors.New("no data available")

// Response is what the fake peer sends back for one request.
type Response struct {
	Data []byte
	// Delay holds back the first byte after the request was sent.
	Delay time.Duration
	// DropAfter cuts the link once that many bytes were read. Zero keeps
	// the link until Data is drained.
	DropAfter int
	// KeepOpen leaves the peer open after Data is drained.
	KeepOpen bool
}

// Fake is a Transport that answers each Send with the next queued Response.
type Fake struct {
	mu          sync.Mutex
	responses   []Response
	connectErrs []error

	connected bool
	closed    bool
	rx        []byte
	readyAt   time.Time
	read      int
	dropAfter int
	keepOpen  bool

	connects    int
	disconnects int
	hosts       []string
	requests    []string
}

var _ transport.Transport = (*Fake)(nil)

func NewFake(responses ...Response) *Fake {
	return &Fake{responses: responses}
}

// FailConnects makes the next len(errs) Connect calls fail in order.
func (f *Fake) FailConnects(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

// Queue appends responses for later requests.
func (f *Fake) Queue(responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

func (f *Fake) Connect(ctx context.Context, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	f.hosts = append(f.hosts, host)

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}

	f.connected = true
	f.closed = false
	f.rx = nil
	f.read = 0
	f.dropAfter = 0
	f.keepOpen = true
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		f.disconnects++
	}
	f.connected = false
	f.rx = nil
	return nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *Fake) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected || f.closed {
		return transport.ErrNotConnected
	}
	f.requests = append(f.requests, string(p))

	if len(f.responses) == 0 {
		return nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]

	f.rx = append([]byte(nil), resp.Data...)
	f.readyAt = time.Now().Add(resp.Delay)
	f.read = 0
	f.dropAfter = resp.DropAfter
	f.keepOpen = resp.KeepOpen
	if len(f.rx) == 0 && !f.keepOpen {
		f.closed = true
	}
	return nil
}

func (f *Fake) Available() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availableLocked()
}

func (f *Fake) availableLocked() int {
	if !f.connected || time.Now().Before(f.readyAt) {
		return 0
	}
	return len(f.rx)
}

func (f *Fake) ReadByte() (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.availableLocked() == 0 {
		return 0, errNoData
	}

	b := f.rx[0]
	f.rx = f.rx[1:]
	f.read++

	if f.dropAfter > 0 && f.read >= f.dropAfter {
		f.connected = false
		f.rx = nil
	} else if len(f.rx) == 0 && !f.keepOpen {
		f.closed = true
	}
	return b, nil
}

// Requests returns every payload passed to Send.
func (f *Fake) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *Fake) Hosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hosts...)
}

// Attacher is a scripted transport.Attacher.
type Attacher struct {
	Addr     netip.Addr
	Err      error
	Attaches int
	Detaches int
}

func (a *Attacher) Attach(ctx context.Context) (netip.Addr, error) {
	a.Attaches++
	if a.Err != nil {
		return netip.Addr{}, a.Err
	}
	return a.Addr, nil
}

func (a *Attacher) Detach() error {
	a.Detaches++
	return nil
}
