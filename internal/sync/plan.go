package sync

import (
	"sort"

	"github.com/openmined/pocketsync/internal/tree"
)

// Action is the decision taken for one path in one run.
type Action uint8

var actionNames = []string{
	"NoOp",
	"PushCreate",
	"PushUpdate",
	"PullCreate",
	"PullUpdate",
	"DeleteLocal",
	"DeleteRemote",
	"Conflict",
}

const (
	ActionNoOp Action = iota
	ActionPushCreate
	ActionPushUpdate
	ActionPullCreate
	ActionPullUpdate
	ActionDeleteLocal
	ActionDeleteRemote
	ActionConflict
)

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "Unknown"
}

func (a Action) IsPush() bool {
	return a == ActionPushCreate || a == ActionPushUpdate
}

func (a Action) IsPull() bool {
	return a == ActionPullCreate || a == ActionPullUpdate
}

func (a Action) IsDelete() bool {
	return a == ActionDeleteLocal || a == ActionDeleteRemote
}

// Status is how one side of a path changed since the last committed state.
type Status uint8

var statusNames = []string{"Absent", "Unchanged", "Created", "Modified", "Deleted"}

const (
	StatusAbsent Status = iota
	StatusUnchanged
	StatusCreated
	StatusModified
	StatusDeleted
)

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// Operation is the planned action of a path together with the entries it was
// derived from. Nil entries are absent.
type Operation struct {
	Action       Action
	Path         string
	Local        *tree.Entry
	Remote       *tree.Entry
	PrevLocal    *tree.Entry
	PrevRemote   *tree.Entry
	LocalStatus  Status
	RemoteStatus Status
}

// Source is the entry an action copies or removes.
func (op *Operation) Source() *tree.Entry {
	switch op.Action {
	case ActionPushCreate, ActionPushUpdate, ActionDeleteLocal:
		return op.Local
	case ActionPullCreate, ActionPullUpdate, ActionDeleteRemote:
		return op.Remote
	default:
		if op.Local != nil {
			return op.Local
		}
		return op.Remote
	}
}

func (op *Operation) IsDir() bool {
	src := op.Source()
	return src != nil && src.IsDir()
}

// Plan maps every path seen in either current tree or the previous state to
// its operation. It is built fresh every run and never persisted.
type Plan map[string]*Operation

func (p Plan) Paths() []string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Changes returns the operations that are not NoOp, sorted by path.
func (p Plan) Changes() []*Operation {
	var ops []*Operation
	for _, path := range p.Paths() {
		if op := p[path]; op.Action != ActionNoOp {
			ops = append(ops, op)
		}
	}
	return ops
}

func (p Plan) Counts() map[Action]int {
	counts := make(map[Action]int)
	for _, op := range p {
		counts[op.Action]++
	}
	return counts
}

// IsEmpty reports whether the plan has nothing to do.
func (p Plan) IsEmpty() bool {
	for _, op := range p {
		if op.Action != ActionNoOp {
			return false
		}
	}
	return true
}
