package sync

import (
	"sort"
	"sync"

	"github.com/openmined/pocketsync/internal/tree"
)

// Outcome is what happened to one executed operation.
type Outcome uint8

var outcomeNames = []string{"Applied", "Skipped", "Failed", "Conflict", "Kept"}

const (
	// OutcomeApplied: the action completed.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped: the path changed after the scan and was left alone.
	OutcomeSkipped
	// OutcomeFailed: the transport or the resolver returned an error.
	OutcomeFailed
	// OutcomeConflict: both sides were kept and the path stays unresolved.
	OutcomeConflict
	// OutcomeKept: a directory delete found content and left it in place.
	OutcomeKept
)

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "Unknown"
}

// PathResult is the outcome of one operation.
type PathResult struct {
	Op      *Operation
	Outcome Outcome
	Err     error
	// Local and Remote are the entries after an applied transfer.
	Local  *tree.Entry
	Remote *tree.Entry
	// Artifact is where a conflicting local copy was moved.
	Artifact string
}

// Report collects results from concurrent workers.
type Report struct {
	mu      sync.Mutex
	results map[string]*PathResult
}

func NewReport() *Report {
	return &Report{results: make(map[string]*PathResult)}
}

func (r *Report) record(res *PathResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.Op.Path] = res
}

func (r *Report) Get(path string) *PathResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[path]
}

// Results returns all results sorted by path.
func (r *Report) Results() []*PathResult {
	return r.filter(func(*PathResult) bool { return true })
}

func (r *Report) Failed() []*PathResult {
	return r.filter(func(res *PathResult) bool { return res.Outcome == OutcomeFailed })
}

func (r *Report) Conflicts() []*PathResult {
	return r.filter(func(res *PathResult) bool { return res.Outcome == OutcomeConflict })
}

func (r *Report) Counts() map[Outcome]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Outcome]int)
	for _, res := range r.results {
		counts[res.Outcome]++
	}
	return counts
}

func (r *Report) HasFailures() bool {
	return r.Counts()[OutcomeFailed] > 0
}

func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *Report) filter(keep func(*PathResult) bool) []*PathResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PathResult
	for _, res := range r.results {
		if keep(res) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op.Path < out[j].Op.Path })
	return out
}
