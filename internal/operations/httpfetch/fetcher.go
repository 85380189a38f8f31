// Package httpfetch speaks just enough HTTP/1.0 over a transport.Transport
// to fetch a small text resource or to read a binary's Content-Length
// before its body is streamed off the same connection.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

var (
	ErrRequestTimeout    = errors.New("request timed out")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnexpectedStatus  = errors.New("unexpected status")
)

const contentLengthPrefix = "content-length:"

// Endpoint is the firmware server for one update attempt.
type Endpoint struct {
	Host        string
	Port        int
	VersionPath string
	BinaryPath  string
}

// Options holds fetcher timing.
type Options struct {
	// ResponseTimeout bounds the wait for the first response byte, and
	// for each header line.
	ResponseTimeout time.Duration
	// BodyIdle ends a body read when the peer stays silent this long.
	BodyIdle time.Duration
	// PollInterval is the sleep between availability checks.
	PollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 5 * time.Second
	}
	if o.BodyIdle <= 0 {
		o.BodyIdle = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
}

type Fetcher struct {
	t    transport.Transport
	opts Options
	log  *logger.Logger
}

func New(t transport.Transport, opts Options) *Fetcher {
	opts.setDefaults()
	return &Fetcher{
		t:    t,
		opts: opts,
		log:  logger.NewLogger("httpfetch"),
	}
}

// BuildRequest renders the GET request sent for path.
func BuildRequest(host, path string) []byte {
	return []byte("GET " + path + " HTTP/1.0\r\n" +
		"Host: " + host + "\r\n" +
		"Connection: close\r\n\r\n")
}

// FetchHeaderAndBody requests path and returns the raw response, status
// line and headers included. When nothing arrives within the response
// timeout the transport is disconnected and "" is returned with
// ErrRequestTimeout.
func (f *Fetcher) FetchHeaderAndBody(ctx context.Context, host, path string) (string, error) {
	if err := f.send(host, path); err != nil {
		return "", err
	}

	if err := f.awaitData(ctx); err != nil {
		f.disconnect(path, err)
		return "", err
	}

	var sb strings.Builder
	lastRead := time.Now()
	for {
		if n := f.t.Available(); n > 0 {
			for i := 0; i < n; i++ {
				b, err := f.t.ReadByte()
				if err != nil {
					break
				}
				sb.WriteByte(b)
			}
			lastRead = time.Now()
			continue
		}

		if !f.t.IsConnected() || time.Since(lastRead) >= f.opts.BodyIdle {
			break
		}
		if err := f.sleep(ctx); err != nil {
			return sb.String(), err
		}
	}

	f.log.Debugf("Fetched %s: %d bytes", path, sb.Len())
	return sb.String(), nil
}

// FetchContentLength requests path and consumes the response headers up
// to and including the blank line, leaving the transport positioned on the
// first body byte. It returns 0 with an error when the response times out,
// has a non-2xx status, or carries no parsable Content-Length.
func (f *Fetcher) FetchContentLength(ctx context.Context, host, path string) (uint32, error) {
	if err := f.send(host, path); err != nil {
		return 0, err
	}

	if err := f.awaitData(ctx); err != nil {
		f.disconnect(path, err)
		return 0, err
	}

	statusLine, err := f.readLine(ctx)
	if err != nil {
		return 0, err
	}
	code, err := ParseStatusLine(statusLine)
	if err != nil {
		return 0, err
	}
	if code < 200 || code > 299 {
		return 0, fmt.Errorf("%w: %d for %s", ErrUnexpectedStatus, code, path)
	}

	var (
		length   uint32
		found    bool
		parseErr error
	)
	for {
		line, err := f.readLine(ctx)
		if err != nil {
			return 0, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if !strings.HasPrefix(strings.ToLower(line), contentLengthPrefix) {
			continue
		}
		found = true
		length, parseErr = ParseContentLength(line)
	}

	switch {
	case !found:
		return 0, fmt.Errorf("%w: no content-length for %s", ErrMalformedResponse, path)
	case parseErr != nil:
		return 0, parseErr
	}

	f.log.Debugf("Content length of %s: %d", path, length)
	return length, nil
}

// ParseContentLength parses a trimmed "Content-Length: N" header line. The
// value is everything after the last colon.
func ParseContentLength(line string) (uint32, error) {
	value := strings.TrimSpace(line[strings.LastIndex(line, ":")+1:])
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: content-length %q", ErrMalformedResponse, value)
	}
	return uint32(n), nil
}

// ParseStatusLine returns the status code of an "HTTP/1.x NNN reason" line.
func ParseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("%w: status line %q", ErrMalformedResponse, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("%w: status line %q", ErrMalformedResponse, line)
	}
	return code, nil
}

func (f *Fetcher) send(host, path string) error {
	if !f.t.IsConnected() {
		return transport.ErrNotConnected
	}
	if err := f.t.Send(BuildRequest(host, path)); err != nil {
		return fmt.Errorf("send request for %s: %w", path, err)
	}
	return nil
}

// awaitData waits for the first response byte.
func (f *Fetcher) awaitData(ctx context.Context) error {
	start := time.Now()
	for f.t.Available() == 0 {
		if !f.t.IsConnected() {
			return fmt.Errorf("%w: peer closed without responding", ErrMalformedResponse)
		}
		if time.Since(start) >= f.opts.ResponseTimeout {
			return fmt.Errorf("%w: no data after %v", ErrRequestTimeout, f.opts.ResponseTimeout)
		}
		if err := f.sleep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// readLine reads one byte at a time up to and including '\n', so nothing
// past the line is consumed. A peer close ends the line early.
func (f *Fetcher) readLine(ctx context.Context) (string, error) {
	var sb strings.Builder
	lastRead := time.Now()
	for {
		if f.t.Available() == 0 {
			if !f.t.IsConnected() {
				return sb.String(), nil
			}
			if time.Since(lastRead) >= f.opts.ResponseTimeout {
				return "", fmt.Errorf("%w: header stalled", ErrRequestTimeout)
			}
			if err := f.sleep(ctx); err != nil {
				return "", err
			}
			continue
		}

		b, err := f.t.ReadByte()
		if err != nil {
			continue
		}
		lastRead = time.Now()
		if b == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

func (f *Fetcher) disconnect(path string, cause error) {
	f.log.WithFields(logger.Fields{"path": path}).Warnf("No response, disconnecting: %v", cause)
	if err := f.t.Disconnect(); err != nil {
		f.log.Debugf("Disconnect: %v", err)
	}
}

func (f *Fetcher) sleep(ctx context.Context) error {
	timer := time.NewTimer(f.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
