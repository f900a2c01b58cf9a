package transport

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/pocketsync/internal/tree"
	"github.com/openmined/pocketsync/internal/utils"
)

// BackupStampFormat names the per-run backup directory.
const BackupStampFormat = "2006-01-02.150405"

type backupTransport struct {
	Transport
	local *Dir
	dir   string
}

// WithLocalBackups keeps a copy of every local file that t is about to
// overwrite or delete under backupsDir/<stamp>/<path>.
func WithLocalBackups(t Transport, localRoot, backupsDir string, stamp time.Time) Transport {
	return &backupTransport{
		Transport: t,
		local:     NewDir(localRoot),
		dir:       filepath.Join(backupsDir, stamp.Format(BackupStampFormat)),
	}
}

func (b *backupTransport) backupPath(rel string) string {
	return filepath.Join(b.dir, filepath.FromSlash(rel))
}

func (b *backupTransport) Pull(ctx context.Context, rel string) (tree.Entry, error) {
	info, err := os.Lstat(b.local.Abs(rel))
	if err == nil && info.Mode().IsRegular() {
		if err := utils.CopyFile(b.local.Abs(rel), b.backupPath(rel)); err != nil {
			return tree.Entry{}, Wrap(OpPull, rel, err)
		}
		slog.Debug("backup", "op", OpPull, "path", rel, "to", b.backupPath(rel))
	}
	return b.Transport.Pull(ctx, rel)
}

func (b *backupTransport) DeleteLocal(ctx context.Context, rel string) error {
	abs := b.local.Abs(rel)
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return Wrap(OpDeleteLocal, rel, err)
	}
	if !info.Mode().IsRegular() {
		return b.Transport.DeleteLocal(ctx, rel)
	}

	dst := b.backupPath(rel)
	if err := utils.EnsureParent(dst); err != nil {
		return Wrap(OpDeleteLocal, rel, err)
	}
	if err := os.Rename(abs, dst); err != nil {
		// different filesystem: copy, then delete through the transport
		if err := utils.CopyFile(abs, dst); err != nil {
			return Wrap(OpDeleteLocal, rel, err)
		}
		return b.Transport.DeleteLocal(ctx, rel)
	}
	slog.Debug("backup", "op", OpDeleteLocal, "path", rel, "to", dst)
	return nil
}
