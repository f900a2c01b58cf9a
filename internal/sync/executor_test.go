package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/pocketsync/internal/state"
	"github.com/openmined/pocketsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_AppliesPlan(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "a.txt", "aaa", t0)
	writeFile(t, f.local, "dir/sub/b.txt", "bb", t1)
	writeFile(t, f.remote, "r.txt", "remote", t2)

	plan := f.plan(t, state.Empty())
	report, err := NewExecutor(f.local, f.tr, nil, nil, 2).Apply(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Counts()[OutcomeApplied])
	assert.False(t, report.HasFailures())
	assert.Equal(t, "aaa", readFile(t, f.remote, "a.txt"))
	assert.Equal(t, "bb", readFile(t, f.remote, "dir/sub/b.txt"))
	assert.Equal(t, "remote", readFile(t, f.local, "r.txt"))

	res := report.Get("a.txt")
	require.NotNil(t, res.Remote)
	assert.True(t, res.Remote.ModTime.Equal(t0))
	assert.Equal(t, int64(3), res.Remote.Size)

	res = report.Get("r.txt")
	require.NotNil(t, res.Local)
	assert.True(t, res.Local.ModTime.Equal(t2))

	// the trees converged
	again := f.plan(t, f.synced(t))
	assert.True(t, again.IsEmpty())
}

func TestExecutor_SkipsPathsChangedAfterScan(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "push.txt", "local", t0)
	writeFile(t, f.remote, "pull.txt", "remote", t0)
	plan := f.plan(t, state.Empty())

	// both destinations gain a file between scan and execution
	writeFile(t, f.remote, "push.txt", "late remote", t1)
	writeFile(t, f.local, "pull.txt", "late local", t1)

	report, err := NewExecutor(f.local, f.tr, nil, nil, 2).Apply(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, report.Get("push.txt").Outcome)
	assert.Equal(t, OutcomeSkipped, report.Get("pull.txt").Outcome)
	assert.Equal(t, "late remote", readFile(t, f.remote, "push.txt"))
	assert.Equal(t, "late local", readFile(t, f.local, "pull.txt"))
	assert.Empty(t, f.tr.Calls())
}

func TestExecutor_SkipsDeleteOfModifiedFile(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "a", "1", t0)
	writeFile(t, f.remote, "a", "1", t0)
	prev := f.synced(t)

	require.NoError(t, f.tr.DeleteRemote(context.Background(), "a"))
	plan := f.plan(t, prev)
	require.Equal(t, ActionDeleteLocal, plan["a"].Action)

	writeFile(t, f.local, "a", "edited", t1)
	report, err := NewExecutor(f.local, f.tr, nil, nil, 1).Apply(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, report.Get("a").Outcome)
	assert.Equal(t, "edited", readFile(t, f.local, "a"))
}

func TestExecutor_PerPathFailure(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "a", "a", t0)
	writeFile(t, f.local, "b", "b", t0)
	f.tr.fail("push a", transport.Wrap(transport.OpPush, "a", errors.New("disk full")))

	report, err := NewExecutor(f.local, f.tr, nil, nil, 2).Apply(context.Background(), f.plan(t, state.Empty()))
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].Op.Path)
	assert.ErrorIs(t, failed[0].Err, transport.ErrTransport)
	assert.Equal(t, OutcomeApplied, report.Get("b").Outcome)
	assert.False(t, exists(f.remote, "a"))
}

func TestExecutor_UnavailableAborts(t *testing.T) {
	f := newFixture(t)
	for i := range 6 {
		writeFile(t, f.local, fmt.Sprintf("f%d", i), "x", t0)
	}
	writeFile(t, f.remote, "gone", "x", t0)
	prev := f.synced(t)
	require.NoError(t, f.tr.DeleteLocal(context.Background(), "gone"))
	plan := f.plan(t, prev)
	require.Equal(t, ActionDeleteRemote, plan["gone"].Action)

	f.tr.fail("push f0", transport.Unavailable(transport.OpPush, "f0", errors.New("connection reset")))

	report, err := NewExecutor(f.local, f.tr, nil, nil, 1).Apply(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	assert.Nil(t, report.Get("f0"))

	// deletes come after transfers and never started
	assert.Nil(t, report.Get("gone"))
	assert.True(t, exists(f.remote, "gone"))
}

func TestExecutor_CancelledContext(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "a", "a", t0)
	plan := f.plan(t, state.Empty())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecutor(f.local, f.tr, nil, nil, 1).Apply(ctx, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, exists(f.remote, "a"))
}

func TestExecutor_NonEmptyDirectoryIsKept(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "d/x", "x", t0)
	writeFile(t, f.remote, "d/x", "x", t0)
	prev := f.synced(t)

	require.NoError(t, f.tr.DeleteLocal(context.Background(), "d/x"))
	require.NoError(t, f.tr.DeleteLocal(context.Background(), "d"))
	plan := f.plan(t, prev)
	require.Equal(t, ActionDeleteRemote, plan["d"].Action)
	require.Equal(t, ActionDeleteRemote, plan["d/x"].Action)

	// a file lands in the remote directory after the scan
	writeFile(t, f.remote, "d/late", "late", t1)

	report, err := NewExecutor(f.local, f.tr, nil, nil, 1).Apply(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, report.Get("d/x").Outcome)
	assert.Equal(t, OutcomeKept, report.Get("d").Outcome)
	assert.ErrorIs(t, report.Get("d").Err, transport.ErrDirNotEmpty)
	assert.True(t, exists(f.remote, "d/late"))
	assert.False(t, exists(f.remote, "d/x"))

	_, remote := NextState(plan, report)
	assert.NotNil(t, remote.Lookup("d"))
	assert.Nil(t, remote.Lookup("d/x"))
}

func TestExecutor_Conflicts(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "a", "base", t0)
	writeFile(t, f.remote, "a", "base", t0)
	prev := f.synced(t)
	writeFile(t, f.local, "a", "mine", t1)
	writeFile(t, f.remote, "a", "theirs", t2)
	plan := f.plan(t, prev)
	require.Equal(t, ActionConflict, plan["a"].Action)

	t.Run("fail loud", func(t *testing.T) {
		report, err := NewExecutor(f.local, f.tr, FailLoud{}, nil, 1).Apply(context.Background(), plan)
		require.NoError(t, err)
		res := report.Get("a")
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrConflictUnresolved)
		assert.Equal(t, "mine", readFile(t, f.local, "a"))
	})

	t.Run("rename aside", func(t *testing.T) {
		resolver := &RenameAside{Root: f.local, Now: func() time.Time { return t2 }}
		report, err := NewExecutor(f.local, f.tr, resolver, nil, 1).Apply(context.Background(), plan)
		require.NoError(t, err)
		res := report.Get("a")
		assert.Equal(t, OutcomeConflict, res.Outcome)
		assert.Equal(t, "a.conflict-20240101100200", res.Artifact)
		assert.Equal(t, "mine", readFile(t, f.local, res.Artifact))
		assert.False(t, exists(f.local, "a"))
		assert.Equal(t, "theirs", readFile(t, f.remote, "a"))
	})
}

func TestExecutor_BoundedWorkers(t *testing.T) {
	f := newFixture(t)
	for i := range 12 {
		writeFile(t, f.local, fmt.Sprintf("f%02d", i), "x", t0)
	}
	f.tr.delay = 10 * time.Millisecond

	report, err := NewExecutor(f.local, f.tr, nil, nil, 3).Apply(context.Background(), f.plan(t, state.Empty()))
	require.NoError(t, err)
	assert.Equal(t, 12, report.Counts()[OutcomeApplied])
	assert.LessOrEqual(t, f.tr.maxInflight.Load(), int32(3))
	assert.GreaterOrEqual(t, f.tr.maxInflight.Load(), int32(1))
}

func TestExecutor_DeletesDeepestFirst(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "a/b/c/file", "x", t0)
	writeFile(t, f.remote, "a/b/c/file", "x", t0)
	prev := f.synced(t)
	require.NoError(t, os.RemoveAll(filepath.Join(f.remote, "a")))

	report, err := NewExecutor(f.local, f.tr, nil, nil, 1).Apply(context.Background(), f.plan(t, prev))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Counts()[OutcomeApplied])
	assert.Equal(t, []string{
		"delete-local a/b/c/file",
		"delete-local a/b/c",
		"delete-local a/b",
		"delete-local a",
	}, f.tr.Calls())
	assert.False(t, exists(f.local, "a"))
}
