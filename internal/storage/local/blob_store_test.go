package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "reports")
		store, err := New(Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		require.DirExists(t, dir)
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := New(Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "scan-1/report.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "scan-1", "report.html"), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(dir, "scan-1", "report.html"))
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(data))

	_, err = store.PutObject(context.Background(), "scan-1/report.html", "text/html", strings.NewReader("v2"))
	require.NoError(t, err)
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err = os.ReadFile(filepath.Join(dir, "scan-1", "report.html"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", strings.NewReader("x"))
	require.ErrorContains(t, err, "escapes")
}

func TestPutObjectLeavesNoPartialFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "scan-1/report.html", "text/html", failingReader{})
	require.Error(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "scan-1"))
	require.NoError(t, err)
	require.Empty(t, entries)
}
