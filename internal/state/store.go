package state

import (
	"context"
	"fmt"
	"time"

	"github.com/openmined/pocketsync/internal/tree"
	"github.com/openmined/pocketsync/internal/workspace"
)

// Store pairs a persistence backend with the run lock of one root.
type Store struct {
	backend Backend
	locker  Locker
	now     func() time.Time
}

func NewStore(backend Backend, locker Locker) *Store {
	return &Store{backend: backend, locker: locker, now: time.Now}
}

// Open returns the store of a workspace using the named backend.
func Open(ws *workspace.Workspace, backend string) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch backend {
	case BackendSQLite, "":
		b, err = OpenSQLite(ws.SQLitePath)
	case BackendJSON:
		b, err = OpenJSON(ws.JSONPath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(b, NewFileLocker(ws.LockPath)), nil
}

// Load returns the last committed state, or an empty state for a root that
// has never been synced.
func (s *Store) Load(ctx context.Context) (*SyncState, error) {
	return s.backend.Load(ctx)
}

// Commit atomically replaces the stored state with the given snapshot pair.
func (s *Store) Commit(ctx context.Context, local, remote tree.Snapshot) error {
	return s.backend.Save(ctx, &SyncState{
		Local:       local,
		Remote:      remote,
		CommittedAt: s.now().UTC(),
	})
}

func (s *Store) AcquireLock(ctx context.Context) (Lock, error) {
	return s.locker.Acquire(ctx)
}

func (s *Store) Close() error {
	return s.backend.Close()
}
