package sync

import (
	"testing"
	"time"

	"github.com/openmined/pocketsync/internal/state"
	"github.com/openmined/pocketsync/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

func file(path string, size int64, mtime time.Time) tree.Entry {
	return tree.NewFile(path, size, mtime)
}

func snap(entries ...tree.Entry) tree.Snapshot {
	s := make(tree.Snapshot, len(entries))
	for _, e := range entries {
		s[e.Path] = e
	}
	return s
}

func TestResolve(t *testing.T) {
	const (
		A = StatusAbsent
		U = StatusUnchanged
		C = StatusCreated
		M = StatusModified
		D = StatusDeleted
	)
	tests := []struct {
		local, remote Status
		want          Action
	}{
		{A, A, ActionNoOp},
		{A, U, ActionPullCreate},
		{A, C, ActionPullCreate},
		{A, M, ActionPullCreate},
		{A, D, ActionNoOp},

		{U, A, ActionPushCreate},
		{U, U, ActionNoOp},
		{U, C, ActionPullCreate},
		{U, M, ActionPullUpdate},
		{U, D, ActionDeleteLocal},

		{C, A, ActionPushCreate},
		{C, U, ActionPushCreate},
		{C, C, ActionConflict},
		{C, M, ActionConflict},
		{C, D, ActionPushCreate},

		{M, A, ActionPushCreate},
		{M, U, ActionPushUpdate},
		{M, C, ActionConflict},
		{M, M, ActionConflict},
		{M, D, ActionPushCreate},

		{D, A, ActionNoOp},
		{D, U, ActionDeleteRemote},
		{D, C, ActionPullCreate},
		{D, M, ActionPullCreate},
		{D, D, ActionNoOp},
	}
	for _, tt := range tests {
		t.Run(tt.local.String()+"/"+tt.remote.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.local, tt.remote))
		})
	}
}

func TestStatus(t *testing.T) {
	d := NewDiffer(nil)
	a := file("a", 1, t0)
	b := file("a", 1, t1)

	assert.Equal(t, StatusAbsent, d.Status(nil, nil))
	assert.Equal(t, StatusCreated, d.Status(nil, &a))
	assert.Equal(t, StatusDeleted, d.Status(&a, nil))
	assert.Equal(t, StatusUnchanged, d.Status(&a, &a))
	assert.Equal(t, StatusModified, d.Status(&a, &b))
}

func TestComputePlan_BasicScenarios(t *testing.T) {
	prev := &state.SyncState{
		Local: snap(
			file("same", 1, t0),
			file("local-edit", 1, t0),
			file("remote-edit", 1, t0),
			file("local-del", 1, t0),
			file("remote-del", 1, t0),
			file("both-edit", 1, t0),
		),
		Remote: snap(
			file("same", 1, t0),
			file("local-edit", 1, t0),
			file("remote-edit", 1, t0),
			file("local-del", 1, t0),
			file("remote-del", 1, t0),
			file("both-edit", 1, t0),
		),
	}
	local := snap(
		file("same", 1, t0),
		file("local-edit", 2, t1),
		file("remote-edit", 1, t0),
		file("remote-del", 1, t0),
		file("both-edit", 2, t1),
		file("new-local", 5, t1),
	)
	remote := snap(
		file("same", 1, t0),
		file("local-edit", 1, t0),
		file("remote-edit", 3, t2),
		file("local-del", 1, t0),
		file("both-edit", 3, t2),
		file("new-remote", 4, t1),
	)

	plan := NewDiffer(nil).ComputePlan(prev, local, remote)
	want := map[string]Action{
		"same":        ActionNoOp,
		"local-edit":  ActionPushUpdate,
		"remote-edit": ActionPullUpdate,
		"local-del":   ActionDeleteRemote,
		"remote-del":  ActionDeleteLocal,
		"both-edit":   ActionConflict,
		"new-local":   ActionPushCreate,
		"new-remote":  ActionPullCreate,
	}
	require.Len(t, plan, len(want))
	for path, action := range want {
		assert.Equal(t, action, plan[path].Action, path)
	}

	op := plan["both-edit"]
	assert.Equal(t, StatusModified, op.LocalStatus)
	assert.Equal(t, StatusModified, op.RemoteStatus)
	assert.Equal(t, int64(1), op.PrevLocal.Size)
}

func TestComputePlan_ConvergedSidesAreNoOp(t *testing.T) {
	d := NewDiffer(nil)

	// created on both sides with identical metadata
	plan := d.ComputePlan(state.Empty(), snap(file("a", 3, t1)), snap(file("a", 3, t1)))
	assert.Equal(t, ActionNoOp, plan["a"].Action)

	// created on both sides with different content
	plan = d.ComputePlan(state.Empty(), snap(file("a", 3, t1)), snap(file("a", 4, t1)))
	assert.Equal(t, ActionConflict, plan["a"].Action)

	// a transfer that completed before a crash is recognized on the re-run
	prev := &state.SyncState{Local: snap(file("a", 1, t0)), Remote: snap(file("a", 1, t0))}
	plan = d.ComputePlan(prev, snap(file("a", 2, t1)), snap(file("a", 2, t1)))
	assert.Equal(t, ActionNoOp, plan["a"].Action)

	// both sides gone
	plan = d.ComputePlan(prev, snap(), snap())
	assert.Equal(t, ActionNoOp, plan["a"].Action)
}

func TestComputePlan_EditBeatsDelete(t *testing.T) {
	prev := &state.SyncState{Local: snap(file("a", 1, t0)), Remote: snap(file("a", 1, t0))}
	d := NewDiffer(nil)

	plan := d.ComputePlan(prev, snap(file("a", 2, t1)), snap())
	assert.Equal(t, ActionPushCreate, plan["a"].Action)

	plan = d.ComputePlan(prev, snap(), snap(file("a", 2, t1)))
	assert.Equal(t, ActionPullCreate, plan["a"].Action)
}

func TestComputePlan_KindChange(t *testing.T) {
	prev := &state.SyncState{Local: snap(file("x", 1, t0)), Remote: snap(file("x", 1, t0))}
	plan := NewDiffer(nil).ComputePlan(prev, snap(tree.NewDir("x")), snap(file("x", 1, t0)))

	op := plan["x"]
	assert.Equal(t, ActionPushUpdate, op.Action)
	assert.True(t, op.IsDir())
}

func TestComputePlan_LiveDirectoryIsRecreated(t *testing.T) {
	d := NewDiffer(nil)
	prev := &state.SyncState{
		Local:  snap(tree.NewDir("d"), tree.NewDir("d/sub"), file("d/sub/old", 1, t0)),
		Remote: snap(tree.NewDir("d"), tree.NewDir("d/sub"), file("d/sub/old", 1, t0)),
	}

	// remote deleted the whole tree while local added a file inside it
	local := snap(tree.NewDir("d"), tree.NewDir("d/sub"), file("d/sub/old", 1, t0), file("d/sub/new", 1, t1))
	plan := d.ComputePlan(prev, local, snap())
	assert.Equal(t, ActionPushCreate, plan["d"].Action)
	assert.Equal(t, ActionPushCreate, plan["d/sub"].Action)
	assert.Equal(t, ActionPushCreate, plan["d/sub/new"].Action)
	assert.Equal(t, ActionDeleteLocal, plan["d/sub/old"].Action)

	// symmetric: local deleted, remote added
	remote := snap(tree.NewDir("d"), tree.NewDir("d/sub"), file("d/sub/old", 1, t0), file("d/sub/new", 1, t1))
	plan = d.ComputePlan(prev, snap(), remote)
	assert.Equal(t, ActionPullCreate, plan["d"].Action)
	assert.Equal(t, ActionPullCreate, plan["d/sub"].Action)
	assert.Equal(t, ActionDeleteRemote, plan["d/sub/old"].Action)

	// nothing live below: the deletions stand
	plan = d.ComputePlan(prev, snap(tree.NewDir("d"), tree.NewDir("d/sub"), file("d/sub/old", 1, t0)), snap())
	assert.Equal(t, ActionDeleteLocal, plan["d"].Action)
	assert.Equal(t, ActionDeleteLocal, plan["d/sub"].Action)
}

func TestComputePlan_NilPreviousState(t *testing.T) {
	plan := NewDiffer(nil).ComputePlan(nil, snap(file("a", 1, t0)), snap())
	assert.Equal(t, ActionPushCreate, plan["a"].Action)
	assert.Equal(t, StatusCreated, plan["a"].LocalStatus)
	assert.Equal(t, StatusAbsent, plan["a"].RemoteStatus)
}

func TestPlanHelpers(t *testing.T) {
	plan := Plan{
		"b": {Path: "b", Action: ActionPushCreate},
		"a": {Path: "a", Action: ActionNoOp},
		"c": {Path: "c", Action: ActionPushCreate},
	}
	assert.Equal(t, []string{"a", "b", "c"}, plan.Paths())
	changes := plan.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, "b", changes[0].Path)
	assert.Equal(t, 2, plan.Counts()[ActionPushCreate])
	assert.False(t, plan.IsEmpty())
	assert.True(t, Plan{"a": {Action: ActionNoOp}}.IsEmpty())
	assert.Equal(t, "Unknown", Action(99).String())
}
