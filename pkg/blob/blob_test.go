package blob

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.bin")
	require.NoError(t, os.WriteFile(path, []byte("deed scan"), 0o600))

	s := NewStore(slog.New(slog.DiscardHandler))

	data, err := s.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("deed scan"), data)

	data, err = s.Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, []byte("deed scan"), data)
}

func TestFetchMissingFile(t *testing.T) {
	s := NewStore(slog.New(slog.DiscardHandler))
	_, err := s.Fetch(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFetchEmptyRef(t *testing.T) {
	s := NewStore(slog.New(slog.DiscardHandler))
	_, err := s.Fetch(context.Background(), "")
	assert.Error(t, err)
}

func TestSplitRef(t *testing.T) {
	bucket, key, err := splitRef("my-bucket/path/to/object")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "path/to/object", key)

	_, _, err = splitRef("bucketonly")
	assert.Error(t, err)
	_, _, err = splitRef("bucket/")
	assert.Error(t, err)
}
