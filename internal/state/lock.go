package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gofrs/flock"
	"github.com/joho/godotenv"
	"github.com/openmined/pocketsync/internal/utils"
	"github.com/shirou/gopsutil/v4/process"
)

var ErrLockHeld = errors.New("lock held by another run")

// Holder identifies the process that owns a lock.
type Holder struct {
	PID     int
	Host    string
	Started time.Time
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown"
	}
	if h.Started.IsZero() {
		return fmt.Sprintf("pid %d on %s", h.PID, h.Host)
	}
	return fmt.Sprintf("pid %d on %s since %s", h.PID, h.Host, h.Started.Format(time.RFC3339))
}

// LockHeldError reports the current owner of a busy lock.
type LockHeldError struct {
	Path   string
	Holder Holder
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrLockHeld, e.Path, e.Holder)
}

func (e *LockHeldError) Unwrap() error {
	return ErrLockHeld
}

// FileLocker guards a root with an advisory OS lock on a file that also
// records the holder. The OS lock alone decides ownership; a record left
// behind by a crashed run is stale and gets overwritten.
type FileLocker struct {
	path  string
	host  string
	alive func(ctx context.Context, pid int) bool
}

func NewFileLocker(path string) *FileLocker {
	return &FileLocker{
		path:  path,
		host:  hostID(),
		alive: pidAlive,
	}
}

func (l *FileLocker) Path() string {
	return l.path
}

func (l *FileLocker) Acquire(ctx context.Context) (Lock, error) {
	if err := utils.EnsureParent(l.path); err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}

	fl := flock.New(l.path, flock.SetPermissions(0o644))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !locked {
		holder, _ := ReadHolder(l.path)
		return nil, &LockHeldError{Path: l.path, Holder: holder}
	}

	// the OS lock is ours, so whatever record is left belongs to a run that
	// is gone, even if its pid has since been reused
	prev, err := ReadHolder(l.path)
	if err != nil {
		slog.Warn("lock", "op", "RECLAIM", "reason", "unreadable holder record", "path", l.path, "error", err)
	} else if prev.PID != 0 && !l.isSelf(prev) {
		slog.Warn("lock", "op", "RECLAIM", "reason", "holder is gone", "holder", prev.String())
	}

	self := Holder{PID: os.Getpid(), Host: l.host, Started: time.Now().UTC()}
	if err := writeHolder(l.path, self); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}

	return &fileLock{flock: fl, path: l.path}, nil
}

// LockInfo describes the lock file of a root as seen from outside a run.
type LockInfo struct {
	Holder Holder
	// Held is true while some process owns the OS lock.
	Held bool
	// Alive reports whether the recorded process still exists on this
	// machine. It is false for holders on other hosts.
	Alive bool
}

// Inspect reports the recorded holder without taking the lock.
func (l *FileLocker) Inspect(ctx context.Context) (LockInfo, error) {
	holder, err := ReadHolder(l.path)
	if err != nil {
		return LockInfo{}, err
	}
	info := LockInfo{Holder: holder}
	if holder.PID != 0 && holder.Host == l.host {
		info.Alive = l.alive(ctx, holder.PID)
	}

	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	fl := flock.New(l.path)
	locked, err := fl.TryLock()
	if err != nil {
		return LockInfo{}, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if locked {
		_ = fl.Unlock()
	}
	info.Held = !locked
	return info, nil
}

func (l *FileLocker) isSelf(h Holder) bool {
	return h.PID == os.Getpid() && h.Host == l.host
}

type fileLock struct {
	once  sync.Once
	flock *flock.Flock
	path  string
	err   error
}

// Release clears the holder record and drops the OS lock. The file stays in
// place: unlinking it could let two processes lock different inodes.
func (l *fileLock) Release() error {
	l.once.Do(func() {
		if err := os.Truncate(l.path, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("lock", "op", "RELEASE", "path", l.path, "error", err)
		}
		if err := l.flock.Unlock(); err != nil {
			l.err = fmt.Errorf("unlock %s: %w", l.path, err)
		}
	})
	return l.err
}

// ReadHolder parses a lock file. A missing or empty file yields a zero Holder.
// A bare process id, as written by older tools, is accepted too.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Holder{}, nil
		}
		return Holder{}, err
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return Holder{}, nil
	}
	if pid, err := strconv.Atoi(text); err == nil {
		return Holder{PID: pid, Host: hostID()}, nil
	}

	values, err := godotenv.Unmarshal(text)
	if err != nil {
		return Holder{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var h Holder
	if h.PID, err = strconv.Atoi(values["PID"]); err != nil {
		return Holder{}, fmt.Errorf("parse %s: bad PID: %w", path, err)
	}
	h.Host = values["HOST"]
	if s := values["STARTED"]; s != "" {
		h.Started, _ = time.Parse(time.RFC3339, s)
	}
	return h, nil
}

func writeHolder(path string, h Holder) error {
	content := fmt.Sprintf("PID=%d\nHOST=%s\nSTARTED=%s\n", h.PID, h.Host, h.Started.Format(time.RFC3339))
	return os.WriteFile(path, []byte(content), 0o644)
}

func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		// cannot tell; assume the holder is still there
		return true
	}
	return exists
}

var (
	hostOnce sync.Once
	hostVal  string
)

// hostID is a stable identifier of this machine. The raw machine id is not
// exposed; the hostname is used where no machine id exists.
func hostID() string {
	hostOnce.Do(func() {
		if id, err := machineid.ProtectedID("pocketsync"); err == nil && id != "" {
			hostVal = id[:16]
			return
		}
		if name, err := os.Hostname(); err == nil && name != "" {
			hostVal = name
			return
		}
		hostVal = "localhost"
	})
	return hostVal
}
