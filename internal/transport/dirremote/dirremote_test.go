package dirremote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mtime = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

func setup(t *testing.T) (string, string, *Remote) {
	t.Helper()
	base := t.TempDir()
	local := filepath.Join(base, "local")
	remote := filepath.Join(base, "remote")
	require.NoError(t, os.MkdirAll(local, 0o755))
	require.NoError(t, os.MkdirAll(remote, 0o755))

	r, err := New(local, remote)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return local, remote, r
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
}

func TestNew_RejectsOverlap(t *testing.T) {
	base := t.TempDir()

	_, err := New(base, base)
	assert.ErrorIs(t, err, ErrOverlap)

	_, err = New(base, filepath.Join(base, "inner"))
	assert.ErrorIs(t, err, ErrOverlap)

	_, err = New(filepath.Join(base, "inner"), base)
	assert.ErrorIs(t, err, ErrOverlap)

	_, err = New(filepath.Join(base, "a"), filepath.Join(base, "ab"))
	assert.NoError(t, err)
}

func TestPushAndPull_File(t *testing.T) {
	ctx := context.Background()
	local, remote, r := setup(t)

	writeFile(t, local, "docs/a.txt", "hello")
	entry, err := r.Push(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, tree.NewFile("docs/a.txt", 5, mtime), entry)

	data, err := os.ReadFile(filepath.Join(remote, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := os.Stat(filepath.Join(remote, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	writeFile(t, remote, "b.txt", "from remote")
	entry, err = r.Pull(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, tree.NewFile("b.txt", 11, mtime), entry)

	got, ok, err := r.Stat(ctx, "docs/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Size)

	_, ok, err = r.Stat(ctx, "docs/a.txt/below")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPush_OverwritesAndLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	local, remote, r := setup(t)

	writeFile(t, remote, "a.txt", "old content")
	writeFile(t, local, "a.txt", "new")
	_, err := r.Push(ctx, "a.txt")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(remote, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(remote)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPush_Directory(t *testing.T) {
	ctx := context.Background()
	local, remote, r := setup(t)

	require.NoError(t, os.MkdirAll(filepath.Join(local, "a", "b"), 0o755))
	entry, err := r.Push(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, tree.NewDir("a/b"), entry)
	assert.DirExists(t, filepath.Join(remote, "a", "b"))
}

func TestPush_FileReplacesEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	local, remote, r := setup(t)

	require.NoError(t, os.MkdirAll(filepath.Join(remote, "x"), 0o755))
	writeFile(t, local, "x", "now a file")
	_, err := r.Push(ctx, "x")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(remote, "x"))
}

func TestPush_MissingSource(t *testing.T) {
	_, _, r := setup(t)

	_, err := r.Push(context.Background(), "nope.txt")
	assert.ErrorIs(t, err, transport.ErrSourceMissing)
	assert.ErrorIs(t, err, transport.ErrTransport)
	assert.NotErrorIs(t, err, transport.ErrUnavailable)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	local, remote, r := setup(t)

	writeFile(t, remote, "d/f.txt", "x")
	err := r.DeleteRemote(ctx, "d")
	assert.ErrorIs(t, err, transport.ErrDirNotEmpty)

	require.NoError(t, r.DeleteRemote(ctx, "d/f.txt"))
	require.NoError(t, r.DeleteRemote(ctx, "d"))
	assert.NoDirExists(t, filepath.Join(remote, "d"))
	require.NoError(t, r.DeleteRemote(ctx, "d"), "deleting a missing path succeeds")

	writeFile(t, local, "l.txt", "x")
	require.NoError(t, r.DeleteLocal(ctx, "l.txt"))
	assert.NoFileExists(t, filepath.Join(local, "l.txt"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	_, remote, r := setup(t)

	writeFile(t, remote, "a/b.txt", "12")
	writeFile(t, remote, ".pocketsync/state.db", "not filtered here")

	snap, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, tree.NewFile("a/b.txt", 2, mtime), snap["a/b.txt"])
	assert.Equal(t, tree.NewDir("a"), snap["a"])
	assert.Contains(t, snap, ".pocketsync/state.db")
}

func TestUnavailableRemote(t *testing.T) {
	ctx := context.Background()
	local, remote, r := setup(t)
	writeFile(t, local, "a.txt", "x")

	require.NoError(t, os.RemoveAll(remote))

	_, err := r.List(ctx)
	assert.ErrorIs(t, err, transport.ErrUnavailable)

	_, err = r.Push(ctx, "a.txt")
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestPull_Cancelled(t *testing.T) {
	_, remote, r := setup(t)
	writeFile(t, remote, "a.txt", "payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Pull(ctx, "a.txt")
	assert.ErrorIs(t, err, context.Canceled)
}
