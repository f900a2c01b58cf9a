package tree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/openmined/pocketsync/internal/utils"
)

var ErrNotDir = errors.New("not a directory")

// Matcher decides whether a relative path is excluded from a tree.
type Matcher interface {
	Match(path string) bool
}

// Scan walks root and returns a snapshot of every non-excluded file and
// directory beneath it. Excluded directories are not descended into.
//
// Symbolic links take the kind and metadata of their target and are never
// followed into; dangling links are left out. Sockets, devices and pipes are
// ignored. An unreadable directory fails the scan: leaving it out would make
// its contents look deleted.
func Scan(ctx context.Context, root string, m Matcher) (Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan %s: %w", root, ErrNotDir)
	}

	snap := make(Snapshot)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path != root && errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if path == root {
			return nil
		}

		rel, err := utils.ToSlashRel(root, path)
		if err != nil {
			return err
		}

		if m != nil && m.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry, ok, err := entryOf(rel, path, d)
		if err != nil {
			return err
		}
		if ok {
			snap[rel] = entry
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	return snap, nil
}

// Walk scans root without exclusions.
func Walk(ctx context.Context, root string) (Snapshot, error) {
	return Scan(ctx, root, nil)
}

// Filter drops every path the matcher excludes, including descendants of
// excluded directories.
func Filter(s Snapshot, m Matcher) Snapshot {
	if m == nil {
		return s.Clone()
	}
	out := make(Snapshot, len(s))
	for p, e := range s {
		if m.Match(p) {
			continue
		}
		out[p] = e
	}
	return out
}

// Stat returns the entry for an absolute path on the local filesystem.
// A missing path reports ok == false and no error.
func Stat(rel, abs string) (entry Entry, ok bool, err error) {
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	entry, ok = fromFileInfo(rel, info)
	return entry, ok, nil
}

func entryOf(rel, abs string, d fs.DirEntry) (Entry, bool, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(abs)
		if err != nil {
			slog.Warn("scan", "op", "SKIPPED", "reason", "unresolvable symlink", "path", rel, "error", err)
			return Entry{}, false, nil
		}
		e, ok := fromFileInfo(rel, info)
		return e, ok, nil
	}

	info, err := d.Info()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, ok := fromFileInfo(rel, info)
	return e, ok, nil
}

func fromFileInfo(rel string, info fs.FileInfo) (Entry, bool) {
	switch {
	case info.IsDir():
		return NewDir(rel), true
	case info.Mode().IsRegular():
		return NewFile(rel, info.Size(), info.ModTime()), true
	default:
		return Entry{}, false
	}
}
