package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "site-1/abc.html", "text/html", []byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "site-1", "abc.html"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "site-1", "abc.html"))
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", []byte("x"))
	require.Error(t, err)
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
