package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/pocketsync/internal/tree"
	"github.com/openmined/pocketsync/internal/utils"
)

// TempPattern names transfer temp files; the exclusion rules hide it.
const TempPattern = ".pocketsync-tmp-*"

// Dir performs file operations below a root on a local filesystem. It serves
// as the local side of every transport and as the remote side of a directory
// remote.
type Dir struct {
	Root string
}

func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) Abs(rel string) string {
	return filepath.Join(d.Root, filepath.FromSlash(rel))
}

func (d *Dir) Walk(ctx context.Context) (tree.Snapshot, error) {
	return tree.Walk(ctx, d.Root)
}

func (d *Dir) Stat(rel string) (tree.Entry, bool, error) {
	return tree.Stat(rel, d.Abs(rel))
}

// Open opens a file for reading and returns its entry and permission bits.
func (d *Dir) Open(rel string) (*os.File, tree.Entry, fs.FileMode, error) {
	f, err := os.Open(d.Abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, tree.Entry{}, 0, fmt.Errorf("%w: %w", ErrSourceMissing, err)
		}
		return nil, tree.Entry{}, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, tree.Entry{}, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, tree.NewDir(rel), 0, nil
	}
	return f, tree.NewFile(rel, info.Size(), info.ModTime()), info.Mode().Perm(), nil
}

// WriteFile stores r at rel with the given modification time. The content is
// written to a temp file in the destination directory and renamed over rel.
// An empty directory in the way is removed first.
func (d *Dir) WriteFile(ctx context.Context, rel string, r io.Reader, mtime time.Time, perm fs.FileMode) (tree.Entry, error) {
	dst := d.Abs(rel)
	if err := d.mkdirAll(filepath.Dir(dst)); err != nil {
		return tree.Entry{}, err
	}
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		if err := d.removeDir(dst); err != nil {
			return tree.Entry{}, err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+TempPattern)
	if err != nil {
		return tree.Entry{}, err
	}
	tmpPath := tmp.Name()
	done := false
	defer func() {
		if !done {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, ContextReader(ctx, r)); err != nil {
		return tree.Entry{}, err
	}
	if err := tmp.Close(); err != nil {
		return tree.Entry{}, err
	}
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return tree.Entry{}, err
	}
	if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
		return tree.Entry{}, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return tree.Entry{}, err
	}
	done = true

	entry, ok, err := d.Stat(rel)
	if err != nil {
		return tree.Entry{}, err
	}
	if !ok {
		return tree.Entry{}, fmt.Errorf("%s vanished after write", rel)
	}
	return entry, nil
}

// Mkdir creates rel and its parents. A file in the way is replaced.
func (d *Dir) Mkdir(rel string) (tree.Entry, error) {
	abs := d.Abs(rel)
	if info, err := os.Lstat(abs); err == nil && !info.IsDir() {
		if err := os.Remove(abs); err != nil {
			return tree.Entry{}, err
		}
	}
	if err := d.mkdirAll(abs); err != nil {
		return tree.Entry{}, err
	}
	return tree.NewDir(rel), nil
}

// Remove deletes a file or an empty directory. A missing path is not an error.
func (d *Dir) Remove(rel string) error {
	abs := d.Abs(rel)
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return d.removeDir(abs)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Available reports whether the root itself can still be reached.
func (d *Dir) Available() error {
	info, err := os.Stat(d.Root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", d.Root, tree.ErrNotDir)
	}
	return nil
}

// mkdirAll creates dirs below the root but never the root itself, so a
// vanished mount point is not silently recreated.
func (d *Dir) mkdirAll(abs string) error {
	if utils.DirExists(abs) {
		return nil
	}
	if err := d.Available(); err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

func (d *Dir) removeDir(abs string) error {
	err := os.Remove(abs)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if entries, rerr := os.ReadDir(abs); rerr == nil && len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrDirNotEmpty, abs)
	}
	return err
}

// ContextReader stops a copy once ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
