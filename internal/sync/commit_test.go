package sync

import (
	"errors"
	"testing"

	"github.com/openmined/pocketsync/internal/tree"
	"github.com/stretchr/testify/assert"
)

func ptr(e tree.Entry) *tree.Entry { return &e }

func TestNextState(t *testing.T) {
	prev := file("p", 1, t0)
	local := file("p", 2, t1)
	remote := file("p", 3, t2)
	landed := file("p", 2, t2)

	tests := []struct {
		name       string
		op         Operation
		res        *PathResult
		wantLocal  *tree.Entry
		wantRemote *tree.Entry
	}{
		{
			name:       "noop keeps current entries",
			op:         Operation{Action: ActionNoOp, Local: ptr(local), Remote: ptr(local)},
			wantLocal:  ptr(local),
			wantRemote: ptr(local),
		},
		{
			name:       "applied push",
			op:         Operation{Action: ActionPushUpdate, Local: ptr(local), Remote: ptr(prev), PrevLocal: ptr(prev), PrevRemote: ptr(prev)},
			res:        &PathResult{Outcome: OutcomeApplied, Local: ptr(local), Remote: ptr(landed)},
			wantLocal:  ptr(local),
			wantRemote: ptr(landed),
		},
		{
			name:       "applied pull",
			op:         Operation{Action: ActionPullCreate, Remote: ptr(remote)},
			res:        &PathResult{Outcome: OutcomeApplied, Local: ptr(landed), Remote: ptr(remote)},
			wantLocal:  ptr(landed),
			wantRemote: ptr(remote),
		},
		{
			name: "applied delete",
			op:   Operation{Action: ActionDeleteRemote, Remote: ptr(prev), PrevLocal: ptr(prev), PrevRemote: ptr(prev)},
			res:  &PathResult{Outcome: OutcomeApplied},
		},
		{
			name:       "kept local directory",
			op:         Operation{Action: ActionDeleteLocal, Local: ptr(tree.NewDir("p")), PrevLocal: ptr(tree.NewDir("p")), PrevRemote: ptr(tree.NewDir("p"))},
			res:        &PathResult{Outcome: OutcomeKept},
			wantLocal:  ptr(tree.NewDir("p")),
			wantRemote: nil,
		},
		{
			name:       "kept remote directory",
			op:         Operation{Action: ActionDeleteRemote, Remote: ptr(tree.NewDir("p")), PrevLocal: ptr(tree.NewDir("p")), PrevRemote: ptr(tree.NewDir("p"))},
			res:        &PathResult{Outcome: OutcomeKept},
			wantLocal:  nil,
			wantRemote: ptr(tree.NewDir("p")),
		},
		{
			name:       "failed keeps previous",
			op:         Operation{Action: ActionPushUpdate, Local: ptr(local), Remote: ptr(prev), PrevLocal: ptr(prev), PrevRemote: ptr(prev)},
			res:        &PathResult{Outcome: OutcomeFailed, Err: errors.New("boom")},
			wantLocal:  ptr(prev),
			wantRemote: ptr(prev),
		},
		{
			name:       "skipped keeps previous",
			op:         Operation{Action: ActionPullUpdate, Local: ptr(prev), Remote: ptr(remote), PrevLocal: ptr(prev), PrevRemote: ptr(prev)},
			res:        &PathResult{Outcome: OutcomeSkipped},
			wantLocal:  ptr(prev),
			wantRemote: ptr(prev),
		},
		{
			name:       "conflict keeps previous",
			op:         Operation{Action: ActionConflict, Local: ptr(local), Remote: ptr(remote), PrevLocal: ptr(prev), PrevRemote: ptr(prev)},
			res:        &PathResult{Outcome: OutcomeConflict, Artifact: "p.conflict-x"},
			wantLocal:  ptr(prev),
			wantRemote: ptr(prev),
		},
		{
			name:      "not executed keeps previous",
			op:        Operation{Action: ActionPushCreate, Local: ptr(local), PrevLocal: ptr(prev)},
			wantLocal: ptr(prev),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := tt.op
			op.Path = "p"
			plan := Plan{"p": &op}
			report := NewReport()
			if tt.res != nil {
				tt.res.Op = &op
				report.record(tt.res)
			}

			gotLocal, gotRemote := NextState(plan, report)
			assert.Equal(t, tt.wantLocal, gotLocal.Lookup("p"))
			assert.Equal(t, tt.wantRemote, gotRemote.Lookup("p"))
		})
	}
}

func TestNextState_NilReport(t *testing.T) {
	prev := file("a", 1, t0)
	plan := Plan{"a": {Path: "a", Action: ActionDeleteLocal, Local: ptr(prev), PrevLocal: ptr(prev), PrevRemote: ptr(prev)}}

	local, remote := NextState(plan, nil)
	assert.Equal(t, ptr(prev), local.Lookup("a"))
	assert.Equal(t, ptr(prev), remote.Lookup("a"))
}
