package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/CloudNativeWorks/elchi-ota/internal/operations/common"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/files"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

var (
	ErrStorageOpen    = errors.New("failed to open staged artifact")
	ErrNotAFile       = errors.New("staged artifact is a directory")
	ErrEmptyArtifact  = errors.New("staged artifact is empty")
	ErrSizeMismatch   = errors.New("size mismatch")
	ErrFinalizeFailed = errors.New("finalize failed")
	ErrRestartFailed  = errors.New("restart failed")
)

// Restarter boots into the freshly installed image.
type Restarter interface {
	Restart(ctx context.Context) error
}

// ApplyResult contains the result of an apply operation
type ApplyResult struct {
	Size      int64
	Written   int64
	Restarted bool
}

// Applier installs a downloaded artifact and restarts into it.
type Applier struct {
	storage   files.Storage
	writer    StagedWriter
	restarter Restarter
	logger    *logger.Logger
}

func NewApplier(storage files.Storage, writer StagedWriter, restarter Restarter) *Applier {
	return &Applier{
		storage:   storage,
		writer:    writer,
		restarter: restarter,
		logger:    logger.NewLogger("upgrade"),
	}
}

// ApplyStagedArtifact installs the artifact at path and restarts once on
// success. expectedSize is the length the download finished with; when
// positive the stored size must match it. expectedSHA256, when set, must
// match the stored content. Once the artifact was opened it is deleted on
// every outcome.
func (a *Applier) ApplyStagedArtifact(ctx context.Context, path string, expectedSize int64, expectedSHA256 string) (*ApplyResult, error) {
	result := &ApplyResult{}

	// 1. Open the artifact
	info, err := a.storage.Stat(path)
	if err != nil {
		return result, fmt.Errorf("%w %s: %v", ErrStorageOpen, path, err)
	}
	if info.IsDir() {
		return result, fmt.Errorf("%w: %s", ErrNotAFile, path)
	}

	file, err := a.storage.Open(path)
	if err != nil {
		return result, fmt.Errorf("%w %s: %v", ErrStorageOpen, path, err)
	}

	removed := false
	remove := func() {
		if removed {
			return
		}
		file.Close()
		files.DeleteFiles(a.storage, []string{path}, a.logger)
		removed = true
	}
	defer remove()

	// 2. Validate the artifact against the download
	result.Size = info.Size()
	if result.Size == 0 {
		a.logger.Errorf("Staged artifact %s is empty, nothing to apply", path)
		return result, fmt.Errorf("%w: %s", ErrEmptyArtifact, path)
	}
	if expectedSize > 0 && result.Size != expectedSize {
		a.logger.Errorf("Staged artifact %s holds %d bytes, download finished with %d, discarding", path, result.Size, expectedSize)
		return result, fmt.Errorf("%w: stored %d, expected %d", ErrSizeMismatch, result.Size, expectedSize)
	}
	if expectedSHA256 != "" {
		entry := a.logger.WithFields(logger.Fields{"artifact": path})
		if err := common.VerifyChecksum(entry, a.storage, path, expectedSHA256); err != nil {
			return result, err
		}
	}

	// 3. Stage the image
	if err := a.writer.Begin(result.Size); err != nil {
		a.logger.Errorf("Not enough space to begin update: %v", err)
		return result, fmt.Errorf("begin staged write: %w", err)
	}

	written, err := a.writer.WriteStream(ctx, file)
	result.Written = written
	if err != nil {
		a.logger.Errorf("Staged write interrupted after %d bytes: %v", written, err)
	}
	if written == result.Size {
		a.logger.Infof("Written: %d successfully", written)
	} else {
		a.logger.Warnf("Written only %d/%d", written, result.Size)
	}

	// 4. Finalize
	if err := a.writer.End(); err != nil {
		a.logger.Errorf("Update failed: %v", err)
		return result, fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
	}
	if !a.writer.IsFinished() {
		a.logger.Error("Update not finished, something went wrong")
		return result, fmt.Errorf("%w: transaction incomplete", ErrFinalizeFailed)
	}

	// 5. Restart into the new image
	remove()
	a.logger.Info("Update successfully completed, restarting")
	if err := a.restarter.Restart(ctx); err != nil {
		return result, fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	result.Restarted = true

	return result, nil
}
