package sync

import (
	"context"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/pocketsync/internal/state"
	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/transport/dirremote"
	"github.com/openmined/pocketsync/internal/tree"
	"github.com/stretchr/testify/require"
)

// faultTransport wraps a real transport and fails selected calls.
// Faults are keyed by "<op> <path>", e.g. "push a.txt".
type faultTransport struct {
	transport.Transport

	mu     gosync.Mutex
	faults map[string]error
	calls  []string

	delay       time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *faultTransport) fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[key] = err
}

func (f *faultTransport) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]error)
}

func (f *faultTransport) hook(op, rel string) error {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + " " + rel
	f.calls = append(f.calls, key)
	return f.faults[key]
}

func (f *faultTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *faultTransport) Push(ctx context.Context, rel string) (tree.Entry, error) {
	if err := f.hook(transport.OpPush, rel); err != nil {
		return tree.Entry{}, err
	}
	return f.Transport.Push(ctx, rel)
}

func (f *faultTransport) Pull(ctx context.Context, rel string) (tree.Entry, error) {
	if err := f.hook(transport.OpPull, rel); err != nil {
		return tree.Entry{}, err
	}
	return f.Transport.Pull(ctx, rel)
}

func (f *faultTransport) DeleteLocal(ctx context.Context, rel string) error {
	if err := f.hook(transport.OpDeleteLocal, rel); err != nil {
		return err
	}
	return f.Transport.DeleteLocal(ctx, rel)
}

func (f *faultTransport) DeleteRemote(ctx context.Context, rel string) error {
	if err := f.hook(transport.OpDeleteRemote, rel); err != nil {
		return err
	}
	return f.Transport.DeleteRemote(ctx, rel)
}

type fixture struct {
	local  string
	remote string
	tr     *faultTransport
	store  *state.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := t.TempDir()
	remote := t.TempDir()
	r, err := dirremote.New(local, remote)
	require.NoError(t, err)
	return &fixture{
		local:  local,
		remote: remote,
		tr:     &faultTransport{Transport: r, faults: make(map[string]error)},
		store:  state.NewMemoryStore(),
	}
}

// plan scans both roots and diffs them against prev.
func (f *fixture) plan(t *testing.T, prev *state.SyncState) Plan {
	t.Helper()
	local, err := tree.Scan(context.Background(), f.local, nil)
	require.NoError(t, err)
	remote, err := f.tr.List(context.Background())
	require.NoError(t, err)
	return NewDiffer(nil).ComputePlan(prev, local, remote)
}

// synced returns a state in which both roots as they are now were committed.
func (f *fixture) synced(t *testing.T) *state.SyncState {
	t.Helper()
	local, err := tree.Scan(context.Background(), f.local, nil)
	require.NoError(t, err)
	remote, err := f.tr.List(context.Background())
	require.NoError(t, err)
	return &state.SyncState{Local: local, Remote: remote}
}

func writeFile(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

func exists(root, rel string) bool {
	_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

func conflictCopies(t *testing.T, root, rel string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(rel)) + ".conflict-*")
	require.NoError(t, err)
	return matches
}
