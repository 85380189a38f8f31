package download

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/internal/operations/files"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/httpfetch"
	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

var (
	ErrUnknownLength   = errors.New("unknown content length")
	ErrPartialTransfer = errors.New("partial transfer")
	ErrStorageOpen     = errors.New("failed to open artifact")
	ErrStorageWrite    = errors.New("failed to write artifact")
)

// ProgressSteps is how many progress reports a transfer of known length
// produces.
const ProgressSteps = 13

// Progress of one transfer.
type Progress struct {
	BytesRead uint32
	// ExpectedLength is 0 when the server sent no usable length.
	ExpectedLength uint32
	LastActivity   time.Time
}

func (p Progress) Percent() float64 {
	if p.ExpectedLength == 0 {
		return 0
	}
	return 100 * float64(p.BytesRead) / float64(p.ExpectedLength)
}

// String is a percentage when the length is known, otherwise the running
// byte count.
func (p Progress) String() string {
	if p.ExpectedLength == 0 {
		return fmt.Sprintf("%d bytes", p.BytesRead)
	}
	return fmt.Sprintf("%.0f%%", p.Percent())
}

// Reporter receives progress while a download runs.
type Reporter interface {
	ReportProgress(p Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(p Progress)

func (f ReporterFunc) ReportProgress(p Progress) { f(p) }

type Options struct {
	// InactivityTimeout fails a transfer when no byte arrives for this long.
	InactivityTimeout time.Duration
	PollInterval      time.Duration
}

// Result of a download. Progress is filled in on failure too.
type Result struct {
	Progress
	SHA256  string
	Elapsed time.Duration
}

// Pipeline streams the firmware binary into storage.
type Pipeline struct {
	session  *transport.Session
	fetcher  *httpfetch.Fetcher
	storage  files.Storage
	reporter Reporter
	opts     Options
	logger   *logger.Logger
}

// NewPipeline builds a pipeline; reporter may be nil.
func NewPipeline(session *transport.Session, fetcher *httpfetch.Fetcher, storage files.Storage, reporter Reporter, opts Options) *Pipeline {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &Pipeline{
		session:  session,
		fetcher:  fetcher,
		storage:  storage,
		reporter: reporter,
		opts:     opts,
		logger:   logger.NewLogger("download"),
	}
}

// Download fetches ep.BinaryPath into artifactPath, truncating whatever
// was there. It succeeds only when exactly ExpectedLength bytes were
// stored.
func (p *Pipeline) Download(ctx context.Context, ep httpfetch.Endpoint, artifactPath string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	log := p.logger.WithFields(logger.Fields{
		"session":  p.session.ID(),
		"path":     ep.BinaryPath,
		"artifact": artifactPath,
	})

	if err := p.session.Connect(ctx, ep.Host, ep.Port); err != nil {
		return result, err
	}

	length, lengthErr := p.fetcher.FetchContentLength(ctx, ep.Host, ep.BinaryPath)
	if errors.Is(lengthErr, httpfetch.ErrRequestTimeout) {
		p.session.Backoff()
	}
	if lengthErr != nil && !errors.Is(lengthErr, httpfetch.ErrMalformedResponse) {
		return result, fmt.Errorf("fetch length of %s: %w", ep.BinaryPath, lengthErr)
	}

	file, err := p.storage.Create(artifactPath)
	if err != nil {
		return result, fmt.Errorf("%w %s: %v", ErrStorageOpen, artifactPath, err)
	}
	defer file.Close()

	result.ExpectedLength = length
	result.LastActivity = time.Now()

	if length == 0 {
		log.WithError(lengthErr).Error("Server sent no usable content length")
		if lengthErr != nil {
			return result, fmt.Errorf("%w: %w", ErrUnknownLength, lengthErr)
		}
		return result, ErrUnknownLength
	}

	log.WithField("expected_length", length).Info("Starting binary download")

	hasher := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(file, hasher))

	loopErr := p.receive(ctx, w, &result.Progress)

	if err := w.Flush(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := file.Close(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	result.Elapsed = time.Since(start)
	p.report(result.Progress)

	if loopErr != nil {
		log.WithFields(logger.Fields{
			"bytes_read":      result.BytesRead,
			"expected_length": result.ExpectedLength,
		}).WithError(loopErr).Error("Download failed")
		return result, loopErr
	}

	result.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	log.WithFields(logger.Fields{
		"bytes":   result.BytesRead,
		"sha256":  result.SHA256,
		"elapsed": result.Elapsed.Round(time.Millisecond).String(),
	}).Info("Successfully downloaded binary")

	return result, nil
}

// receive drains the transport into w until progress.ExpectedLength bytes
// arrived, the link drops or it stays silent past the inactivity timeout.
func (p *Pipeline) receive(ctx context.Context, w *bufio.Writer, progress *Progress) error {
	t := p.session.Transport()

	step := progress.ExpectedLength / ProgressSteps
	if step == 0 {
		step = 1
	}

	for progress.BytesRead < progress.ExpectedLength {
		if n := t.Available(); n > 0 {
			for i := 0; i < n && progress.BytesRead < progress.ExpectedLength; i++ {
				b, err := t.ReadByte()
				if err != nil {
					break
				}
				if err := w.WriteByte(b); err != nil {
					return fmt.Errorf("%w: %v", ErrStorageWrite, err)
				}
				progress.BytesRead++
				progress.LastActivity = time.Now()
				if progress.BytesRead%step == 0 {
					p.report(*progress)
				}
			}
			continue
		}

		if !t.IsConnected() {
			return fmt.Errorf("%w: connection closed after %d of %d bytes",
				ErrPartialTransfer, progress.BytesRead, progress.ExpectedLength)
		}
		if idle := time.Since(progress.LastActivity); idle >= p.opts.InactivityTimeout {
			return fmt.Errorf("%w: %w: no data for %v after %d of %d bytes",
				ErrPartialTransfer, httpfetch.ErrRequestTimeout, idle.Round(time.Millisecond),
				progress.BytesRead, progress.ExpectedLength)
		}

		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrPartialTransfer, ctx.Err())
		case <-timer.C:
		}
	}
	return nil
}

func (p *Pipeline) report(progress Progress) {
	p.logger.Infof("Download progress: %s", progress)
	if p.reporter != nil {
		p.reporter.ReportProgress(progress)
	}
}
