package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/internal/operations/download"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/files"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/httpfetch"
	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
	"github.com/CloudNativeWorks/elchi-ota/internal/transport/transporttest"
	"github.com/CloudNativeWorks/elchi-ota/pkg/helper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	artifactPath = "/update.bin"
	statusPath   = "/update.status.yaml"
	historyPath  = "/update.history"
)

type memWriter struct {
	// panicOnBegin makes the next Begin panic.
	panicOnBegin bool
	size         int64
	data         bytes.Buffer
	begins       int
	finished     bool
}

func (w *memWriter) Begin(size int64) error {
	w.begins++
	if w.panicOnBegin {
		w.panicOnBegin = false
		panic("flash controller fault")
	}
	w.size = size
	return nil
}

func (w *memWriter) WriteStream(ctx context.Context, r io.Reader) (int64, error) {
	return io.Copy(&w.data, r)
}

func (w *memWriter) End() error {
	w.finished = int64(w.data.Len()) == w.size
	if !w.finished {
		return errors.New("short image")
	}
	return nil
}

func (w *memWriter) IsFinished() bool { return w.finished }

type countingRestarter struct {
	restarts int
}

func (r *countingRestarter) Restart(ctx context.Context) error {
	r.restarts++
	return nil
}

type cycleTag struct{}

type recordingReporter struct {
	mu       sync.Mutex
	statuses []Status
	tags     []any
}

func (r *recordingReporter) Report(ctx context.Context, st Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
	r.tags = append(r.tags, ctx.Value(cycleTag{}))
	return nil
}

func (r *recordingReporter) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, st := range r.statuses {
		out = append(out, st.State)
	}
	return out
}

type harness struct {
	fake      *transporttest.Fake
	storage   *files.FS
	status    *files.FS
	writer    *memWriter
	restarter *countingRestarter
	reporter  *recordingReporter
	svc       *UpdateService
}

func newHarness(t *testing.T, host string, local float64, responses ...transporttest.Response) *harness {
	t.Helper()

	h := &harness{
		fake:      transporttest.NewFake(responses...),
		storage:   files.NewMemory(),
		status:    files.NewMemory(),
		writer:    &memWriter{},
		restarter: &countingRestarter{},
		reporter:  &recordingReporter{},
	}

	session := transport.NewSession(h.fake, nil, transport.SessionOptions{ReconnectDelay: time.Millisecond})
	t.Cleanup(session.Teardown)

	fetcher := httpfetch.New(h.fake, httpfetch.Options{
		ResponseTimeout: 50 * time.Millisecond,
		BodyIdle:        20 * time.Millisecond,
		PollInterval:    time.Millisecond,
	})

	h.svc = NewUpdateService(Settings{
		Endpoint: httpfetch.Endpoint{
			Host:        host,
			Port:        80,
			VersionPath: "/ota/version.txt",
			BinaryPath:  "/ota/update.bin",
		},
		LocalVersion: local,
		DeviceID:     "device-under-test",
		ArtifactPath: artifactPath,
		StatusPath:   statusPath,
		HistoryPath:  historyPath,
		Download: download.Options{
			InactivityTimeout: 60 * time.Millisecond,
			PollInterval:      time.Millisecond,
		},
	}, Dependencies{
		Session:     session,
		Fetcher:     fetcher,
		Storage:     h.storage,
		Writer:      h.writer,
		Restarter:   h.restarter,
		StatusStore: h.status,
		Reporter:    h.reporter,
	})
	return h
}

func versionResponse(v string) transporttest.Response {
	return transporttest.Response{Data: []byte(fmt.Sprintf(
		"HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s", len(v), v))}
}

func binaryResponse(body []byte) transporttest.Response {
	head := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: %d\r\n\r\n", len(body))
	return transporttest.Response{Data: append([]byte(head), body...)}
}

func firmware(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestRunAppliesNewerFirmware(t *testing.T) {
	body := firmware(1300)
	h := newHarness(t, "fw.newer.test", 1.0, versionResponse("001.500"), binaryResponse(body))

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Restarted, res.State)
	assert.Equal(t, Restarted, h.svc.State())
	assert.True(t, res.Version.Available)
	assert.InDelta(t, 1.5, res.Version.ServerVersion, 1e-9)
	require.NotNil(t, res.Download)
	assert.Equal(t, uint32(1300), res.Download.BytesRead)
	assert.True(t, res.Apply.Restarted)

	assert.Equal(t, 1, h.restarter.restarts)
	assert.Equal(t, body, h.writer.data.Bytes())

	_, err = h.storage.Stat(artifactPath)
	assert.Error(t, err, "applied artifact is deleted")

	requests := h.fake.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[0], "GET /ota/version.txt HTTP/1.0\r\n")
	assert.Contains(t, requests[1], "GET /ota/update.bin HTTP/1.0\r\n")
	assert.False(t, h.fake.IsConnected(), "session is torn down after the download")

	states := h.reporter.states()
	require.NotEmpty(t, states)
	assert.Equal(t, CheckingVersion, states[0])
	assert.Contains(t, states, Downloading)
	assert.Contains(t, states, Applying)
	assert.Equal(t, Restarted, states[len(states)-1])

	rec, err := files.LoadStatus(h.status, statusPath)
	require.NoError(t, err)
	assert.Equal(t, "restarted", rec.State)
	assert.Equal(t, uint32(1300), rec.BytesRead)
	assert.NotEmpty(t, rec.SHA256)

	history, err := files.ReadFile(h.status, historyPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(history), "\n"))
	assert.Contains(t, string(history), "state=restarted")
}

func TestRunEqualVersionSkipsDownload(t *testing.T) {
	h := newHarness(t, "fw.equal.test", 1.0, versionResponse("001.000"), binaryResponse(firmware(10)))

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, NoUpdate, res.State)
	assert.False(t, res.Version.Available)
	assert.Nil(t, res.Download)
	assert.Len(t, h.fake.Requests(), 1)
	assert.Zero(t, h.writer.begins)
	assert.Zero(t, h.restarter.restarts)

	entries, err := h.storage.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries, "no storage writes without an update")
	assert.Equal(t, []State{CheckingVersion, NoUpdate}, h.reporter.states())
}

func TestRunGarbledVersionIsNoUpdate(t *testing.T) {
	h := newHarness(t, "fw.garbled.test", 1.0, versionResponse("latest"))

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoUpdate, res.State)
	assert.False(t, res.Version.Parsed)
}

func TestRunCheckFailure(t *testing.T) {
	h := newHarness(t, "fw.unreachable.test", 1.0)
	h.fake.FailConnects(errors.New("connection refused"))

	res, err := h.svc.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrConnectFailed)
	assert.Equal(t, NoUpdate, res.State)

	rec, err := files.LoadStatus(h.status, statusPath)
	require.NoError(t, err)
	assert.Equal(t, "no_update", rec.State)
	assert.Contains(t, rec.Error, "connection refused")
}

func TestRunPartialDownloadDeletesArtifact(t *testing.T) {
	body := firmware(1300)
	bin := binaryResponse(body)
	bin.DropAfter = len(bin.Data) - len(body) + 700

	h := newHarness(t, "fw.partial.test", 1.0, versionResponse("001.500"), bin)

	res, err := h.svc.Run(context.Background())
	assert.ErrorIs(t, err, download.ErrPartialTransfer)
	assert.Equal(t, DownloadFailed, res.State)
	assert.Equal(t, uint32(700), res.Download.BytesRead)
	assert.Zero(t, h.writer.begins)
	assert.Zero(t, h.restarter.restarts)

	_, err = h.storage.Stat(artifactPath)
	assert.Error(t, err, "partial artifact is deleted")
}

func TestRunCanRepeat(t *testing.T) {
	h := newHarness(t, "fw.repeat.test", 1.0, versionResponse("001.000"), versionResponse("000.900"))

	for i := 0; i < 2; i++ {
		res, err := h.svc.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NoUpdate, res.State)
	}

	history, err := files.ReadFile(h.status, historyPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(history), "\n"))
}

func TestCheckOnly(t *testing.T) {
	h := newHarness(t, "fw.check.test", 1.0, versionResponse("002.000"))

	res, err := h.svc.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Equal(t, Idle, h.svc.State())
	assert.Zero(t, h.writer.begins)
}

func TestRunRecoversFromPanicAndAllowsNextCycle(t *testing.T) {
	h := newHarness(t, "fw.panic.test", 1.0,
		versionResponse("001.500"), binaryResponse(firmware(1300)),
		versionResponse("001.000"))
	h.writer.panicOnBegin = true

	res, err := h.svc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, helper.ErrPanic)
	require.NotNil(t, res)
	assert.Equal(t, ApplyFailed, res.State)
	assert.Equal(t, ApplyFailed, h.svc.State())
	assert.Zero(t, h.restarter.restarts)

	rec, err := files.LoadStatus(h.status, statusPath)
	require.NoError(t, err)
	assert.Equal(t, ApplyFailed.String(), rec.State)
	assert.Contains(t, rec.Error, "flash controller fault")

	res, err = h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoUpdate, res.State)
	assert.Equal(t, NoUpdate, h.svc.State())
}

func TestReportsCarryCycleContext(t *testing.T) {
	body := firmware(1300)
	h := newHarness(t, "fw.context.test", 1.0, versionResponse("001.500"), binaryResponse(body))
	ctx := context.WithValue(context.Background(), cycleTag{}, "cycle-1")

	_, err := h.svc.Run(ctx)
	require.NoError(t, err)

	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	var progress int
	for i, st := range h.reporter.statuses {
		if st.Progress != "" && st.State == Downloading {
			progress++
		}
		assert.Equal(t, "cycle-1", h.reporter.tags[i], "report %d (%s)", i, st.State)
	}
	assert.Positive(t, progress)
}

func TestProgressIsThrottled(t *testing.T) {
	h := newHarness(t, "fw.progress.test", 1.0)

	for i := uint32(1); i <= 13; i++ {
		h.svc.ReportProgress(download.Progress{BytesRead: i * 100, ExpectedLength: 1300})
	}
	require.Len(t, h.reporter.statuses, 1)
	assert.Equal(t, "8%", h.reporter.statuses[0].Progress)
}

func TestTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{Idle, CheckingVersion},
		{CheckingVersion, NoUpdate},
		{CheckingVersion, Downloading},
		{Downloading, DownloadFailed},
		{Downloading, Applying},
		{Applying, Restarted},
		{Applying, ApplyFailed},
		{Restarted, Idle},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	rejected := []struct{ from, to State }{
		{Idle, Downloading},
		{CheckingVersion, Applying},
		{NoUpdate, Downloading},
		{DownloadFailed, Applying},
		{Applying, Downloading},
	}
	for _, tc := range rejected {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	assert.Equal(t, "checking_version", CheckingVersion.String())
	assert.True(t, ApplyFailed.Terminal())
	assert.False(t, Applying.Terminal())
}
