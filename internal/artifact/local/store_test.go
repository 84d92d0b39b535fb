package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	// Missing directory is created.
	base := filepath.Join(t.TempDir(), "artifacts")
	_, err = New(Config{BaseDir: base})
	require.NoError(t, err)
	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "captures/job-1/final.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(base, "captures", "job-1", "final.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html/>", string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.txt", "text/plain", []byte("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "text/plain", []byte("x"))
	require.Error(t, err)
}
