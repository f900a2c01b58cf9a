// Package transport moves files between a local root and a remote root.
//
// A Transport is bound to one pair of roots when it is created. Paths passed
// to it are slash-separated and relative to both roots. Copies land in a temp
// file next to their destination and are renamed into place, so a reader never
// sees a partially written file. Deleting a missing path succeeds; deleting a
// directory only succeeds when it is empty.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/pocketsync/internal/tree"
)

var (
	// ErrTransport is matched by every error a Transport returns.
	ErrTransport = errors.New("transport error")
	// ErrUnavailable marks the loss of the remote as a whole (network down,
	// volume unmounted), as opposed to a failure of one path.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrDirNotEmpty is returned when a directory delete finds content.
	ErrDirNotEmpty = errors.New("directory not empty")
	// ErrSourceMissing is returned when the file to copy vanished.
	ErrSourceMissing = errors.New("source missing")
)

type Transport interface {
	// List returns the full, unfiltered tree of the remote root.
	List(ctx context.Context) (tree.Snapshot, error)
	// Stat returns the current remote entry of one path.
	Stat(ctx context.Context, rel string) (tree.Entry, bool, error)
	// Push copies a local file or creates a local directory on the remote
	// and returns the resulting remote entry.
	Push(ctx context.Context, rel string) (tree.Entry, error)
	// Pull copies a remote file or creates a remote directory locally and
	// returns the resulting local entry.
	Pull(ctx context.Context, rel string) (tree.Entry, error)
	DeleteLocal(ctx context.Context, rel string) error
	DeleteRemote(ctx context.Context, rel string) error
	Close() error
}

// Error describes a failed transport operation on one path.
type Error struct {
	Op          string
	Path        string
	Err         error
	Unavailable bool
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() []error {
	errs := []error{ErrTransport, e.Err}
	if e.Unavailable {
		errs = append(errs, ErrUnavailable)
	}
	return errs
}

// Wrap returns err as an *Error for op on path. Nil stays nil and an *Error is
// returned unchanged.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Path: path, Err: err}
}

// Unavailable wraps err as a whole-remote failure.
func Unavailable(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Err: err, Unavailable: true}
}

// Operation names used in errors and logs.
const (
	OpList         = "list"
	OpStat         = "stat"
	OpPush         = "push"
	OpPull         = "pull"
	OpDeleteLocal  = "delete-local"
	OpDeleteRemote = "delete-remote"
)
