// Package state persists the snapshot pair recorded at the end of each
// successful sync run, and guards a local root with a run lock.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/openmined/pocketsync/internal/tree"
)

const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

var (
	ErrCorrupt        = errors.New("state corrupt")
	ErrUnknownBackend = errors.New("unknown state backend")
	ErrClosed         = errors.New("state store closed")
)

// SyncState is the pair of snapshots both trees had when the last run
// committed. Both halves are always written together.
type SyncState struct {
	Local       tree.Snapshot
	Remote      tree.Snapshot
	CommittedAt time.Time
}

// Empty is the state of a root that has never been synced.
func Empty() *SyncState {
	return &SyncState{Local: tree.Snapshot{}, Remote: tree.Snapshot{}}
}

func (s *SyncState) IsEmpty() bool {
	return s.CommittedAt.IsZero() && len(s.Local) == 0 && len(s.Remote) == 0
}

// Backend persists a SyncState. Save must be atomic: after a crash, Load
// returns either the previous state or the new one, never a mix.
type Backend interface {
	Load(ctx context.Context) (*SyncState, error)
	Save(ctx context.Context, st *SyncState) error
	Close() error
}

// Lock is a held run lock. Release is idempotent.
type Lock interface {
	Release() error
}

type Locker interface {
	Acquire(ctx context.Context) (Lock, error)
}
