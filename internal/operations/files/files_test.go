package files

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTruncates(t *testing.T) {
	s := NewMemory()

	require.NoError(t, WriteFile(s, "/update.bin", []byte("stale partial image")))
	require.NoError(t, WriteFile(s, "/update.bin", []byte("new")))

	data, err := ReadFile(s, "/update.bin")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestAppendFile(t *testing.T) {
	s := NewMemory()

	require.NoError(t, AppendFile(s, "/log", []byte("a\n")))
	require.NoError(t, AppendFile(s, "/log", []byte("b\n")))

	data, err := ReadFile(s, "/log")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}

func TestNewOSRootsPaths(t *testing.T) {
	dir := t.TempDir()
	s, err := NewOS(dir)
	require.NoError(t, err)

	require.NoError(t, WriteFile(s, "/update.bin", []byte{1, 2, 3}))

	info, err := os.Stat(dir + "/update.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())
}

func TestDeleteFiles(t *testing.T) {
	s := NewMemory()
	require.NoError(t, WriteFile(s, "/update.bin", []byte("x")))

	result := DeleteFiles(s, []string{"/update.bin", "/missing.bin"}, logger.NewLogger("files-test"))
	assert.Equal(t, []string{"/update.bin"}, result.DeletedFiles)
	assert.Empty(t, result.Errors)

	_, err := s.Stat("/update.bin")
	assert.True(t, os.IsNotExist(err))
}

func TestListDir(t *testing.T) {
	s := NewMemory()
	require.NoError(t, WriteFile(s, "/update.bin", make([]byte, 10)))
	require.NoError(t, WriteFile(s, "/logs/a.txt", []byte("abc")))
	require.NoError(t, WriteFile(s, "/logs/deep/b.txt", []byte("b")))

	entries, err := ListDir(s, "/", 1, logger.NewLogger("files-test"))
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"/logs", "/logs/a.txt", "/logs/deep", "/update.bin"}, paths)

	entries, err = ListDir(s, "/", 0, logger.NewLogger("files-test"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStatusRecord(t *testing.T) {
	s := NewMemory()
	rec := StatusRecord{
		State:          "download_failed",
		LocalVersion:   1.0,
		ServerVersion:  1.5,
		BytesRead:      700,
		ExpectedLength: 1300,
		Error:          "partial transfer",
		UpdatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, SaveStatus(s, "/update.status.yaml", rec))
	got, err := LoadStatus(s, "/update.status.yaml")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, AppendHistory(s, "/update.history", rec))
	history, err := ReadFile(s, "/update.history")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(history), "2026-03-01T12:00:00Z state=download_failed"))
	assert.Contains(t, string(history), `bytes=700/1300 error="partial transfer"`)
}
