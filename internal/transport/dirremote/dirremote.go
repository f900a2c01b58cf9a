// Package dirremote implements a transport whose remote root is a directory on
// a mounted filesystem.
package dirremote

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/tree"
)

var ErrOverlap = errors.New("remote directory overlaps the local root")

type Remote struct {
	local  *transport.Dir
	remote *transport.Dir
}

var _ transport.Transport = (*Remote)(nil)

func New(localRoot, remoteRoot string) (*Remote, error) {
	local, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, err
	}
	remote, err := filepath.Abs(remoteRoot)
	if err != nil {
		return nil, err
	}
	if overlaps(local, remote) {
		return nil, fmt.Errorf("%w: %s and %s", ErrOverlap, local, remote)
	}
	return &Remote{
		local:  transport.NewDir(local),
		remote: transport.NewDir(remote),
	}, nil
}

func (r *Remote) String() string {
	return r.remote.Root
}

func (r *Remote) List(ctx context.Context) (tree.Snapshot, error) {
	if err := r.remote.Available(); err != nil {
		return nil, transport.Unavailable(transport.OpList, "", err)
	}
	snap, err := r.remote.Walk(ctx)
	if err != nil {
		return nil, r.fail(transport.OpList, "", err)
	}
	return snap, nil
}

func (r *Remote) Stat(_ context.Context, rel string) (tree.Entry, bool, error) {
	entry, ok, err := r.remote.Stat(rel)
	if err != nil {
		return tree.Entry{}, false, r.fail(transport.OpStat, rel, err)
	}
	return entry, ok, nil
}

func (r *Remote) Push(ctx context.Context, rel string) (tree.Entry, error) {
	entry, err := copyPath(ctx, r.local, r.remote, rel)
	if err != nil {
		return tree.Entry{}, r.fail(transport.OpPush, rel, err)
	}
	return entry, nil
}

func (r *Remote) Pull(ctx context.Context, rel string) (tree.Entry, error) {
	entry, err := copyPath(ctx, r.remote, r.local, rel)
	if err != nil {
		return tree.Entry{}, r.fail(transport.OpPull, rel, err)
	}
	return entry, nil
}

func (r *Remote) DeleteLocal(_ context.Context, rel string) error {
	return transport.Wrap(transport.OpDeleteLocal, rel, r.local.Remove(rel))
}

func (r *Remote) DeleteRemote(_ context.Context, rel string) error {
	if err := r.remote.Remove(rel); err != nil {
		return r.fail(transport.OpDeleteRemote, rel, err)
	}
	return nil
}

func (r *Remote) Close() error {
	return nil
}

// fail classifies err: once the remote root itself is gone every further
// operation would fail too.
func (r *Remote) fail(op, rel string, err error) error {
	if aerr := r.remote.Available(); aerr != nil {
		return transport.Unavailable(op, rel, errors.Join(err, aerr))
	}
	return transport.Wrap(op, rel, err)
}

func copyPath(ctx context.Context, src, dst *transport.Dir, rel string) (tree.Entry, error) {
	f, entry, perm, err := src.Open(rel)
	if err != nil {
		return tree.Entry{}, err
	}
	if f == nil {
		return dst.Mkdir(rel)
	}
	defer f.Close()
	return dst.WriteFile(ctx, rel, f, entry.ModTime, perm)
}

func overlaps(a, b string) bool {
	return a == b || tree.IsDescendant(filepath.ToSlash(a), filepath.ToSlash(b)) ||
		tree.IsDescendant(filepath.ToSlash(b), filepath.ToSlash(a))
}
