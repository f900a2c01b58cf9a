// Package sync reconciles a local tree with a remote tree against the state
// committed by the previous run, and executes the resulting plan.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/pocketsync/internal/state"
	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/tree"
	"golang.org/x/sync/errgroup"
)

type Phase int32

var phaseNames = []string{"Idle", "Locking", "Scanning", "Diffing", "Executing", "Committing", "Failed"}

const (
	PhaseIdle Phase = iota
	PhaseLocking
	PhaseScanning
	PhaseDiffing
	PhaseExecuting
	PhaseCommitting
	PhaseFailed
)

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Unknown"
}

// Store persists the committed state and guards a root against concurrent
// runs.
type Store interface {
	Load(ctx context.Context) (*state.SyncState, error)
	Commit(ctx context.Context, local, remote tree.Snapshot) error
	AcquireLock(ctx context.Context) (state.Lock, error)
}

type Options struct {
	Workers    int
	Resolver   ConflictResolver
	Comparator tree.Comparator
	// DryRun stops after diffing and commits nothing.
	DryRun bool
	// AfterScan runs once both trees are scanned, before diffing.
	AfterScan func(ctx context.Context)
	// OnPhase observes every phase transition.
	OnPhase func(Phase)
}

type Result struct {
	RunID     string
	Plan      Plan
	Report    *Report
	Committed bool
	DryRun    bool
	Duration  time.Duration
	// FailedIn is the phase a failed run stopped in.
	FailedIn Phase
}

// Partial reports whether the run committed with some paths failed.
func (r *Result) Partial() bool {
	return r.Report != nil && r.Report.HasFailures()
}

type Engine struct {
	root      string
	store     Store
	transport transport.Transport
	matcher   tree.Matcher
	opts      Options
	differ    *Differ
	executor  *Executor
	phase     atomic.Int32
}

func NewEngine(localRoot string, store Store, t transport.Transport, matcher tree.Matcher, opts Options) *Engine {
	if opts.Comparator == nil {
		opts.Comparator = tree.MetadataComparator
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Engine{
		root:      localRoot,
		store:     store,
		transport: t,
		matcher:   matcher,
		opts:      opts,
		differ:    NewDiffer(opts.Comparator),
		executor:  NewExecutor(localRoot, t, opts.Resolver, opts.Comparator, opts.Workers),
	}
}

func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
	if e.opts.OnPhase != nil {
		e.opts.OnPhase(p)
	}
}

// Run performs exactly one sync of the root.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), DryRun: e.opts.DryRun}
	tstart := time.Now()
	log := slog.With("run", res.RunID[:8])

	err := e.run(ctx, res, log)
	res.Duration = time.Since(tstart)
	if err != nil {
		res.FailedIn = e.Phase()
		e.setPhase(PhaseFailed)
		log.Error("sync failed", "phase", res.FailedIn, "took", res.Duration, "error", err)
		return res, err
	}
	e.setPhase(PhaseIdle)
	return res, nil
}

func (e *Engine) run(ctx context.Context, res *Result, log *slog.Logger) error {
	e.setPhase(PhaseLocking)
	lock, err := e.store.AcquireLock(ctx)
	if err != nil {
		if errors.Is(err, state.ErrLockHeld) {
			return fmt.Errorf("%w: %w", ErrLockHeld, err)
		}
		return fmt.Errorf("%w: lock: %w", ErrFailed, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("release lock", "error", err)
		}
	}()

	e.setPhase(PhaseScanning)
	local, remote, prev, err := e.scan(ctx)
	if err != nil {
		return err
	}
	if e.opts.AfterScan != nil {
		e.opts.AfterScan(ctx)
	}

	e.setPhase(PhaseDiffing)
	res.Plan = e.differ.ComputePlan(prev, local, remote)
	counts := res.Plan.Counts()
	log.Info("plan",
		"paths", len(res.Plan),
		"push", counts[ActionPushCreate]+counts[ActionPushUpdate],
		"pull", counts[ActionPullCreate]+counts[ActionPullUpdate],
		"deleteLocal", counts[ActionDeleteLocal],
		"deleteRemote", counts[ActionDeleteRemote],
		"conflicts", counts[ActionConflict],
	)
	if e.opts.DryRun {
		return nil
	}

	e.setPhase(PhaseExecuting)
	tstart := time.Now()
	res.Report, err = e.executor.Apply(ctx, res.Plan)
	if err != nil {
		if errors.Is(err, transport.ErrUnavailable) {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}
	outcomes := res.Report.Counts()
	log.Info("executed",
		"took", time.Since(tstart),
		"transferred", humanize.Bytes(uint64(transferred(res.Report))),
		"applied", outcomes[OutcomeApplied],
		"skipped", outcomes[OutcomeSkipped],
		"failed", outcomes[OutcomeFailed],
		"conflicts", outcomes[OutcomeConflict],
		"kept", outcomes[OutcomeKept],
	)

	e.setPhase(PhaseCommitting)
	nextLocal, nextRemote := NextState(res.Plan, res.Report)
	// once execution finished the commit must not be interrupted
	if err := e.store.Commit(context.WithoutCancel(ctx), nextLocal, nextRemote); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrFailed, err)
	}
	res.Committed = true
	return nil
}

// scan lists both trees and loads the previous state concurrently.
func (e *Engine) scan(ctx context.Context) (local, remote tree.Snapshot, prev *state.SyncState, err error) {
	var localErr, remoteErr, loadErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		local, localErr = tree.Scan(gctx, e.root, e.matcher)
		return localErr
	})
	g.Go(func() error {
		var all tree.Snapshot
		all, remoteErr = e.transport.List(gctx)
		if remoteErr == nil {
			remote = tree.Filter(all, e.matcher)
		}
		return remoteErr
	})
	g.Go(func() error {
		prev, loadErr = e.store.Load(gctx)
		return loadErr
	})
	first := g.Wait()

	switch {
	case first == nil:
		return local, remote, prev, nil
	case errors.Is(first, transport.ErrTransport) || (remoteErr != nil && !errors.Is(remoteErr, context.Canceled)):
		return nil, nil, nil, fmt.Errorf("%w: list remote: %w", ErrTransport, remoteErr)
	case localErr != nil && !errors.Is(localErr, context.Canceled):
		return nil, nil, nil, fmt.Errorf("%w: scan local: %w", ErrFailed, localErr)
	case loadErr != nil && !errors.Is(loadErr, context.Canceled):
		return nil, nil, nil, fmt.Errorf("%w: load state: %w", ErrFailed, loadErr)
	default:
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrFailed, first)
	}
}

func transferred(report *Report) int64 {
	var n int64
	for _, res := range report.Results() {
		if res.Outcome != OutcomeApplied {
			continue
		}
		if src := res.Op.Source(); src != nil && !res.Op.Action.IsDelete() {
			n += src.Size
		}
	}
	return n
}
