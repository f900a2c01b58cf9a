package sync

import "github.com/openmined/pocketsync/internal/tree"

// NextState derives the snapshots to commit after executing plan.
//
// Paths that were not applied keep their previous entries on both sides, so
// the next run evaluates them again from the same baseline.
func NextState(plan Plan, report *Report) (local, remote tree.Snapshot) {
	local = make(tree.Snapshot, len(plan))
	remote = make(tree.Snapshot, len(plan))

	put := func(snap tree.Snapshot, e *tree.Entry) {
		if e != nil {
			snap[e.Path] = *e
		}
	}

	for path, op := range plan {
		if op.Action == ActionNoOp {
			put(local, op.Local)
			put(remote, op.Remote)
			continue
		}

		var res *PathResult
		if report != nil {
			res = report.Get(path)
		}
		if res == nil {
			put(local, op.PrevLocal)
			put(remote, op.PrevRemote)
			continue
		}

		switch res.Outcome {
		case OutcomeApplied:
			switch {
			case op.Action.IsPush():
				put(local, op.Local)
				put(remote, res.Remote)
			case op.Action.IsPull():
				put(local, res.Local)
				put(remote, op.Remote)
			}
			// an applied delete leaves the path absent on both sides
		case OutcomeKept:
			if op.Action == ActionDeleteLocal {
				put(local, op.Local)
			} else {
				put(remote, op.Remote)
			}
		default:
			put(local, op.PrevLocal)
			put(remote, op.PrevRemote)
		}
	}
	return local, remote
}
