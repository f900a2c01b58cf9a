package sync

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/pocketsync/internal/state"
	"github.com/openmined/pocketsync/internal/tree"
)

// Differ derives a plan from the previous state and the current trees.
type Differ struct {
	Compare tree.Comparator
}

func NewDiffer(cmp tree.Comparator) *Differ {
	if cmp == nil {
		cmp = tree.MetadataComparator
	}
	return &Differ{Compare: cmp}
}

// ComputePlan is pure: it reads its inputs and touches nothing else.
func (d *Differ) ComputePlan(prev *state.SyncState, local, remote tree.Snapshot) Plan {
	if prev == nil {
		prev = state.Empty()
	}

	paths := mapset.NewThreadUnsafeSet[string]()
	for _, snap := range []tree.Snapshot{prev.Local, prev.Remote, local, remote} {
		for path := range snap {
			paths.Add(path)
		}
	}

	plan := make(Plan, paths.Cardinality())
	for path := range paths.Iter() {
		op := &Operation{
			Path:       path,
			Local:      local.Lookup(path),
			Remote:     remote.Lookup(path),
			PrevLocal:  prev.Local.Lookup(path),
			PrevRemote: prev.Remote.Lookup(path),
		}
		op.LocalStatus = d.Status(op.PrevLocal, op.Local)
		op.RemoteStatus = d.Status(op.PrevRemote, op.Remote)

		if op.Local != nil && op.Remote != nil && d.Compare(*op.Local, *op.Remote) {
			// already converged, whatever happened since the last commit
			op.Action = ActionNoOp
		} else {
			op.Action = Resolve(op.LocalStatus, op.RemoteStatus)
		}
		plan[path] = op
	}

	keepLiveDirectories(plan)
	return plan
}

// Status classifies one side of a path against its previous entry.
func (d *Differ) Status(prev, cur *tree.Entry) Status {
	switch {
	case prev == nil && cur == nil:
		return StatusAbsent
	case prev == nil:
		return StatusCreated
	case cur == nil:
		return StatusDeleted
	case d.Compare(*prev, *cur):
		return StatusUnchanged
	default:
		return StatusModified
	}
}

// Resolve maps a pair of side statuses to an action. An edit always outranks
// a deletion. Both sides present with differing content is resolved by the
// caller's convergence check before this table applies.
func Resolve(local, remote Status) Action {
	switch local {
	case StatusAbsent:
		switch remote {
		case StatusCreated, StatusModified, StatusUnchanged:
			return ActionPullCreate
		}
	case StatusUnchanged:
		switch remote {
		case StatusUnchanged:
			return ActionNoOp
		case StatusAbsent:
			return ActionPushCreate
		case StatusCreated:
			return ActionPullCreate
		case StatusModified:
			return ActionPullUpdate
		case StatusDeleted:
			return ActionDeleteLocal
		}
	case StatusCreated:
		switch remote {
		case StatusAbsent, StatusUnchanged, StatusDeleted:
			return ActionPushCreate
		case StatusCreated, StatusModified:
			return ActionConflict
		}
	case StatusModified:
		switch remote {
		case StatusAbsent, StatusDeleted:
			return ActionPushCreate
		case StatusUnchanged:
			return ActionPushUpdate
		case StatusCreated, StatusModified:
			return ActionConflict
		}
	case StatusDeleted:
		switch remote {
		case StatusUnchanged:
			return ActionDeleteRemote
		case StatusCreated, StatusModified:
			return ActionPullCreate
		}
	}
	return ActionNoOp
}

// keepLiveDirectories turns the deletion of a directory into its recreation
// on the emptied side when anything below it is still being written.
func keepLiveDirectories(plan Plan) {
	liveLocal := mapset.NewThreadUnsafeSet[string]()
	liveRemote := mapset.NewThreadUnsafeSet[string]()
	for path, op := range plan {
		if op.Action != ActionNoOp && op.Action != ActionDeleteLocal {
			liveLocal.Append(tree.Ancestors(path)...)
		}
		if op.Action != ActionNoOp && op.Action != ActionDeleteRemote {
			liveRemote.Append(tree.Ancestors(path)...)
		}
	}

	for path, op := range plan {
		if !op.IsDir() {
			continue
		}
		switch {
		case op.Action == ActionDeleteLocal && liveLocal.Contains(path):
			op.Action = ActionPushCreate
		case op.Action == ActionDeleteRemote && liveRemote.Contains(path):
			op.Action = ActionPullCreate
		}
	}
}
