package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ConflictTimeFormat stamps renamed conflict copies. It sorts
// lexicographically by time.
const ConflictTimeFormat = "20060102150405"

// ConflictResolver decides what to do with a path changed on both sides.
// It returns the path of any artifact it created.
type ConflictResolver interface {
	Resolve(ctx context.Context, op *Operation) (string, error)
}

// RenameAside moves the local copy to <path>.conflict-<stamp>, leaving the
// remote copy to be pulled by the next run. The artifact stays local-only
// since the default exclusion rules hide it.
type RenameAside struct {
	Root string
	Now  func() time.Time
}

func NewRenameAside(root string) *RenameAside {
	return &RenameAside{Root: root, Now: time.Now}
}

func (r *RenameAside) Resolve(_ context.Context, op *Operation) (string, error) {
	src := filepath.Join(r.Root, filepath.FromSlash(op.Path))
	base := op.Path + ".conflict-" + r.Now().Format(ConflictTimeFormat)

	artifact := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(filepath.Join(r.Root, filepath.FromSlash(artifact))); os.IsNotExist(err) {
			break
		}
		artifact = fmt.Sprintf("%s-%d", base, i)
	}

	dst := filepath.Join(r.Root, filepath.FromSlash(artifact))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("rename %s to %s: %w", op.Path, artifact, err)
	}
	slog.Warn("sync", "op", ActionConflict, "path", op.Path, "movedTo", artifact)
	return artifact, nil
}

// FailLoud leaves both copies alone and reports the path as failed.
type FailLoud struct{}

func (FailLoud) Resolve(_ context.Context, op *Operation) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrConflictUnresolved, op.Path)
}
