package state

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/openmined/pocketsync/internal/tree"
)

// MemoryStore keeps the state and the run lock in process memory. Each
// instance stands for one root, so a process can drive several roots.
type MemoryStore struct {
	mu      sync.Mutex
	state   *SyncState
	locked  bool
	commits int

	// CommitErr, when set, makes the next commits fail without changing state.
	CommitErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: Empty()}
}

func (m *MemoryStore) Load(ctx context.Context) (*SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state), nil
}

func (m *MemoryStore) Commit(ctx context.Context, local, remote tree.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.state = &SyncState{Local: local.Clone(), Remote: remote.Clone(), CommittedAt: time.Now().UTC()}
	m.commits++
	return nil
}

func (m *MemoryStore) AcquireLock(ctx context.Context) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, &LockHeldError{Path: "memory", Holder: Holder{PID: os.Getpid(), Host: hostID()}}
	}
	m.locked = true
	return &memoryLock{store: m}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Commits is the number of successful commits so far.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryStore) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

type memoryLock struct {
	once  sync.Once
	store *MemoryStore
}

func (l *memoryLock) Release() error {
	l.once.Do(func() {
		l.store.mu.Lock()
		l.store.locked = false
		l.store.mu.Unlock()
	})
	return nil
}

func cloneState(st *SyncState) *SyncState {
	return &SyncState{
		Local:       st.Local.Clone(),
		Remote:      st.Remote.Clone(),
		CommittedAt: st.CommittedAt,
	}
}
