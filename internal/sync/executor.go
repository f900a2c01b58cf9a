package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/tree"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// Executor applies a plan through a transport.
//
// Directory creations run first, shallowest first, then file transfers on a
// bounded worker pool, then conflicts, then deletions deepest first. Before a
// path is overwritten or removed its current entry is compared with the one
// seen by the scan; a mismatch skips the path.
type Executor struct {
	local     *transport.Dir
	transport transport.Transport
	resolver  ConflictResolver
	compare   tree.Comparator
	workers   int
}

func NewExecutor(localRoot string, t transport.Transport, resolver ConflictResolver, cmp tree.Comparator, workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if cmp == nil {
		cmp = tree.MetadataComparator
	}
	if resolver == nil {
		resolver = NewRenameAside(localRoot)
	}
	return &Executor{
		local:     transport.NewDir(localRoot),
		transport: t,
		resolver:  resolver,
		compare:   cmp,
		workers:   workers,
	}
}

// Apply executes every non-NoOp operation of plan. Per-path failures are
// recorded in the report. The returned error is set only when execution was
// aborted: the remote became unavailable or ctx was cancelled.
func (e *Executor) Apply(ctx context.Context, plan Plan) (*Report, error) {
	report := NewReport()

	var dirs, files, conflicts, deletes []*Operation
	for _, op := range plan.Changes() {
		switch {
		case op.Action == ActionConflict:
			conflicts = append(conflicts, op)
		case op.Action.IsDelete():
			deletes = append(deletes, op)
		case op.IsDir():
			dirs = append(dirs, op)
		default:
			files = append(files, op)
		}
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		return tree.Depth(dirs[i].Path) < tree.Depth(dirs[j].Path)
	})
	sort.SliceStable(deletes, func(i, j int) bool {
		return tree.Depth(deletes[i].Path) > tree.Depth(deletes[j].Path)
	})

	for _, op := range dirs {
		if err := e.run(ctx, report, op, e.transfer); err != nil {
			return report, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, op := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.run(gctx, report, op, e.transfer)
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	for _, op := range conflicts {
		if err := e.run(ctx, report, op, e.resolve); err != nil {
			return report, err
		}
	}

	for _, op := range deletes {
		if err := e.run(ctx, report, op, e.delete); err != nil {
			return report, err
		}
	}

	return report, nil
}

type step func(ctx context.Context, op *Operation) *PathResult

// run executes one step and records its result. A fatal error is returned
// instead of being recorded as a per-path failure.
func (e *Executor) run(ctx context.Context, report *Report, op *Operation, fn step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := fn(ctx, op)
	if res.Err != nil && isFatal(ctx, res.Err) {
		slog.Error("sync", "op", op.Action, "path", op.Path, "error", res.Err)
		return res.Err
	}
	logResult(res)
	report.record(res)
	return nil
}

func isFatal(ctx context.Context, err error) bool {
	return errors.Is(err, transport.ErrUnavailable) ||
		(ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)))
}

func (e *Executor) transfer(ctx context.Context, op *Operation) *PathResult {
	push := op.Action.IsPush()

	if ok, err := e.unchanged(ctx, op, !push); err != nil {
		return &PathResult{Op: op, Outcome: OutcomeFailed, Err: err}
	} else if !ok {
		return &PathResult{Op: op, Outcome: OutcomeSkipped}
	}

	if push {
		entry, err := e.transport.Push(ctx, op.Path)
		if err != nil {
			return &PathResult{Op: op, Outcome: OutcomeFailed, Err: err}
		}
		return &PathResult{Op: op, Outcome: OutcomeApplied, Local: op.Local, Remote: &entry}
	}

	entry, err := e.transport.Pull(ctx, op.Path)
	if err != nil {
		return &PathResult{Op: op, Outcome: OutcomeFailed, Err: err}
	}
	return &PathResult{Op: op, Outcome: OutcomeApplied, Local: &entry, Remote: op.Remote}
}

func (e *Executor) resolve(ctx context.Context, op *Operation) *PathResult {
	if ok, err := e.unchanged(ctx, op, true); err != nil {
		return &PathResult{Op: op, Outcome: OutcomeFailed, Err: err}
	} else if !ok {
		return &PathResult{Op: op, Outcome: OutcomeSkipped}
	}

	artifact, err := e.resolver.Resolve(ctx, op)
	if err != nil {
		return &PathResult{Op: op, Outcome: OutcomeFailed, Err: err}
	}
	return &PathResult{Op: op, Outcome: OutcomeConflict, Artifact: artifact}
}

func (e *Executor) delete(ctx context.Context, op *Operation) *PathResult {
	local := op.Action == ActionDeleteLocal

	if ok, err := e.unchanged(ctx, op, local); err != nil {
		return &PathResult{Op: op, Outcome: OutcomeFailed, Err: err}
	} else if !ok {
		return &PathResult{Op: op, Outcome: OutcomeSkipped}
	}

	var err error
	if local {
		err = e.transport.DeleteLocal(ctx, op.Path)
	} else {
		err = e.transport.DeleteRemote(ctx, op.Path)
	}
	switch {
	case errors.Is(err, transport.ErrDirNotEmpty):
		return &PathResult{Op: op, Outcome: OutcomeKept, Err: err}
	case err != nil:
		return &PathResult{Op: op, Outcome: OutcomeFailed, Err: err}
	}
	return &PathResult{Op: op, Outcome: OutcomeApplied}
}

// unchanged reports whether the local (or remote) side of op still matches
// what the scan saw.
func (e *Executor) unchanged(ctx context.Context, op *Operation, local bool) (bool, error) {
	var (
		cur     tree.Entry
		exists  bool
		err     error
		scanned *tree.Entry
	)
	if local {
		scanned = op.Local
		cur, exists, err = e.local.Stat(op.Path)
		if err != nil {
			err = fmt.Errorf("stat local %s: %w", op.Path, err)
		}
	} else {
		scanned = op.Remote
		cur, exists, err = e.transport.Stat(ctx, op.Path)
	}
	if err != nil {
		return false, err
	}

	if scanned == nil {
		return !exists, nil
	}
	return exists && e.compare(*scanned, cur), nil
}

func logResult(res *PathResult) {
	op := res.Op
	switch res.Outcome {
	case OutcomeApplied:
		slog.Info("sync", "op", op.Action, "path", op.Path)
	case OutcomeSkipped:
		slog.Warn("sync", "op", op.Action, "path", op.Path, "outcome", res.Outcome, "reason", "changed since scan")
	case OutcomeKept:
		slog.Warn("sync", "op", op.Action, "path", op.Path, "outcome", res.Outcome, "reason", "directory not empty")
	case OutcomeConflict:
		slog.Warn("sync", "op", op.Action, "path", op.Path, "outcome", res.Outcome, "artifact", res.Artifact)
	case OutcomeFailed:
		slog.Error("sync", "op", op.Action, "path", op.Path, "outcome", res.Outcome, "error", res.Err)
	}
}
