package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/CloudNativeWorks/elchi-ota/internal/operations/files"
	"github.com/sirupsen/logrus"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

// CopyWithContext copies data from src to dst with context cancellation support
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if writeErr != nil {
				return written, writeErr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

// FileSHA256 returns the hex SHA256 of a stored file.
func FileSHA256(storage files.Storage, path string) (string, error) {
	file, err := storage.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum verifies the SHA256 checksum of a stored file
func VerifyChecksum(logger *logrus.Entry, storage files.Storage, path, expectedSHA256 string) error {
	logger.WithField("expected", expectedSHA256).Debug("Verifying checksum")

	actualSHA256, err := FileSHA256(storage, path)
	if err != nil {
		return err
	}

	if actualSHA256 != expectedSHA256 {
		logger.WithFields(logrus.Fields{
			"expected": expectedSHA256,
			"actual":   actualSHA256,
		}).Error("Checksum mismatch")
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expectedSHA256, actualSHA256)
	}

	logger.Debug("Checksum verification successful")
	return nil
}
