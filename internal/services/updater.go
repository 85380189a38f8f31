package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/internal/operations/download"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/files"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/httpfetch"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/upgrade"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/version"
	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
	"github.com/CloudNativeWorks/elchi-ota/pkg/helper"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	// listLevels is how deep the staging area is logged before a download.
	listLevels = 1
	// progressInterval throttles progress publishing; state changes are
	// always published.
	progressInterval = 5 * time.Second
)

// Settings are the fixed parameters of every cycle.
type Settings struct {
	Endpoint     httpfetch.Endpoint
	LocalVersion float64
	DeviceID     string

	ArtifactPath string
	// StatusPath and HistoryPath live in Dependencies.StatusStore; empty
	// disables them.
	StatusPath  string
	HistoryPath string

	Download download.Options
}

// Dependencies are the components an UpdateService drives.
type Dependencies struct {
	Session   *transport.Session
	Fetcher   *httpfetch.Fetcher
	Storage   files.Storage
	Writer    upgrade.StagedWriter
	Restarter upgrade.Restarter
	// StatusStore keeps the status record and history; nil disables them.
	StatusStore files.Storage
	// Reporter may be nil.
	Reporter StatusReporter
}

// CycleResult summarises one Run.
type CycleResult struct {
	State    State
	Version  version.Result
	Download *download.Result
	Apply    *upgrade.ApplyResult
}

// UpdateService runs update cycles: version check, download, apply.
type UpdateService struct {
	settings Settings
	deps     Dependencies

	checker  *version.Checker
	pipeline *download.Pipeline
	applier  *upgrade.Applier

	mu    sync.Mutex
	state State
	// cycleCtx is the context of the running cycle; progress reports
	// use it so they stop with the cycle.
	cycleCtx context.Context
	status   Status
	progress rate.Sometimes
	logger   *logger.Logger
}

func NewUpdateService(settings Settings, deps Dependencies) *UpdateService {
	u := &UpdateService{
		settings: settings,
		deps:     deps,
		checker:  version.NewChecker(deps.Session, deps.Fetcher),
		applier:  upgrade.NewApplier(deps.Storage, deps.Writer, deps.Restarter),
		progress: rate.Sometimes{First: 1, Interval: progressInterval},
		logger:   logger.NewLogger("updater"),
	}
	u.pipeline = download.NewPipeline(deps.Session, deps.Fetcher, deps.Storage, u, settings.Download)
	return u
}

// State returns the state of the current or last cycle.
func (u *UpdateService) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Check runs only the version check and tears the session down.
func (u *UpdateService) Check(ctx context.Context) (version.Result, error) {
	defer u.deps.Session.Teardown()
	return u.checker.CheckForUpdate(ctx, u.settings.Endpoint, u.settings.LocalVersion)
}

// Run executes one full cycle and returns the terminal state it ended in.
// A returned error always comes with NoUpdate, DownloadFailed or
// ApplyFailed. A panic inside the cycle is returned as an error wrapping
// helper.ErrPanic and ends the cycle in the matching failure state.
func (u *UpdateService) Run(ctx context.Context) (result *CycleResult, err error) {
	result = &CycleResult{}
	defer func() {
		if errors.Is(err, helper.ErrPanic) {
			u.abort(ctx, result, err)
		}
	}()
	defer helper.RecoverError(u.logger, "update-cycle", &err)

	if err := u.begin(ctx); err != nil {
		return result, err
	}

	// 1. Version check
	res, err := u.checker.CheckForUpdate(ctx, u.settings.Endpoint, u.settings.LocalVersion)
	result.Version = res
	u.mu.Lock()
	u.status.ServerVersion = res.ServerVersion
	u.mu.Unlock()

	if err != nil || !res.Available {
		u.deps.Session.Teardown()
		if err != nil {
			u.logger.Warnf("Version check failed: %v", err)
		} else {
			u.logger.Info("Firmware is up to date")
		}
		result.State = NoUpdate
		return result, u.finish(ctx, NoUpdate, err)
	}

	u.logger.WithFields(logger.Fields{
		"local_version":  u.settings.LocalVersion,
		"server_version": res.ServerVersion,
	}).Info("Update available")

	// 2. Download
	if err := u.transition(ctx, Downloading); err != nil {
		u.deps.Session.Teardown()
		return result, err
	}
	u.listStaging()

	dl, err := u.pipeline.Download(ctx, u.settings.Endpoint, u.settings.ArtifactPath)
	u.deps.Session.Teardown()
	result.Download = dl

	u.mu.Lock()
	if dl != nil {
		u.status.BytesRead = dl.BytesRead
		u.status.ExpectedLength = dl.ExpectedLength
		u.status.SHA256 = dl.SHA256
	}
	u.mu.Unlock()

	if err != nil {
		files.DeleteFiles(u.deps.Storage, []string{u.settings.ArtifactPath}, u.logger)
		result.State = DownloadFailed
		return result, u.finish(ctx, DownloadFailed, err)
	}

	// 3. Apply
	if err := u.transition(ctx, Applying); err != nil {
		return result, err
	}

	applied, err := u.applier.ApplyStagedArtifact(ctx, u.settings.ArtifactPath, int64(dl.BytesRead), dl.SHA256)
	result.Apply = applied
	if err != nil {
		result.State = ApplyFailed
		return result, u.finish(ctx, ApplyFailed, err)
	}

	result.State = Restarted
	return result, u.finish(ctx, Restarted, nil)
}

// ReportProgress publishes download progress, throttled.
func (u *UpdateService) ReportProgress(p download.Progress) {
	u.mu.Lock()
	u.status.BytesRead = p.BytesRead
	u.status.ExpectedLength = p.ExpectedLength
	u.status.Progress = p.String()
	st := u.snapshotLocked()
	ctx := u.cycleCtx
	u.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	u.progress.Do(func() {
		u.report(ctx, st)
	})
}

// abort ends a cycle interrupted by a panic in the failure state of the
// step it was in, so the next cycle can start.
func (u *UpdateService) abort(ctx context.Context, result *CycleResult, cause error) {
	u.deps.Session.Teardown()

	u.mu.Lock()
	cur := u.state
	u.mu.Unlock()

	var to State
	switch cur {
	case CheckingVersion:
		to = NoUpdate
	case Downloading:
		files.DeleteFiles(u.deps.Storage, []string{u.settings.ArtifactPath}, u.logger)
		to = DownloadFailed
	case Applying:
		to = ApplyFailed
	default:
		result.State = cur
		return
	}
	result.State = to
	if err := u.finish(ctx, to, cause); err != cause {
		u.logger.Warnf("Failed to close interrupted cycle: %v", err)
	}
}

func (u *UpdateService) begin(ctx context.Context) error {
	u.mu.Lock()
	if u.state != Idle {
		if !u.state.Terminal() {
			cur := u.state
			u.mu.Unlock()
			return fmt.Errorf("%w: cycle already in state %s", ErrIllegalTransition, cur)
		}
		u.state = Idle
	}
	u.status = Status{
		DeviceID:     u.settings.DeviceID,
		Session:      u.deps.Session.ID(),
		LocalVersion: u.settings.LocalVersion,
	}
	u.progress = rate.Sometimes{First: 1, Interval: progressInterval}
	u.cycleCtx = ctx
	u.mu.Unlock()

	return u.transition(ctx, CheckingVersion)
}

func (u *UpdateService) transition(ctx context.Context, to State) error {
	u.mu.Lock()
	from := u.state
	if !CanTransition(from, to) {
		u.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	u.state = to
	u.status.State = to
	u.status.Time = time.Now()
	st := u.snapshotLocked()
	u.mu.Unlock()

	u.logger.Debugf("State %s -> %s", from, to)
	u.persist(st)
	u.report(ctx, st)
	return nil
}

// finish moves to a terminal state, recording cause, and returns cause.
func (u *UpdateService) finish(ctx context.Context, to State, cause error) error {
	if cause != nil {
		u.mu.Lock()
		u.status.Error = cause.Error()
		u.mu.Unlock()
	}
	if err := u.transition(ctx, to); err != nil {
		return errors.Join(cause, err)
	}

	u.mu.Lock()
	st := u.snapshotLocked()
	u.mu.Unlock()
	if store, path := u.deps.StatusStore, u.settings.HistoryPath; store != nil && path != "" {
		if err := files.AppendHistory(store, path, st.record()); err != nil {
			u.logger.Warnf("Failed to append history: %v", err)
		}
	}

	u.logger.WithFields(logger.Fields{
		"state":   to.String(),
		"session": st.Session,
	}).Info("Update cycle finished")
	return cause
}

func (u *UpdateService) snapshotLocked() Status {
	st := u.status
	if st.Time.IsZero() {
		st.Time = time.Now()
	}
	return st
}

func (u *UpdateService) persist(st Status) {
	store, path := u.deps.StatusStore, u.settings.StatusPath
	if store == nil || path == "" {
		return
	}
	if err := files.SaveStatus(store, path, st.record()); err != nil {
		u.logger.Warnf("Failed to save status: %v", err)
	}
}

func (u *UpdateService) report(ctx context.Context, st Status) {
	if u.deps.Reporter == nil {
		return
	}
	if err := u.deps.Reporter.Report(ctx, st); err != nil {
		u.logger.Debugf("Status report failed: %v", err)
	}
}

func (u *UpdateService) listStaging() {
	entries, err := files.ListDir(u.deps.Storage, "/", listLevels, u.logger)
	if err != nil {
		u.logger.Warnf("Failed to list staging area: %v", err)
		return
	}
	u.logger.Debugf("Staging area holds %d entries", len(entries))
}

func (st Status) record() files.StatusRecord {
	return files.StatusRecord{
		State:          st.State.String(),
		LocalVersion:   st.LocalVersion,
		ServerVersion:  st.ServerVersion,
		BytesRead:      st.BytesRead,
		ExpectedLength: st.ExpectedLength,
		SHA256:         st.SHA256,
		Error:          st.Error,
		UpdatedAt:      st.Time,
	}
}
