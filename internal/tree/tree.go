// Package tree models a directory tree as a flat snapshot of entries keyed by
// slash-separated relative path, and scans local directories into snapshots.
package tree

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Entry is the metadata of one node of a tree.
// Directories carry no size or modification time.
type Entry struct {
	Path    string    `json:"path"`
	Kind    Kind      `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

func NewFile(path string, size int64, mtime time.Time) Entry {
	return Entry{Path: path, Kind: KindFile, Size: size, ModTime: mtime.UTC()}
}

func NewDir(path string) Entry {
	return Entry{Path: path, Kind: KindDir}
}

func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

func (e Entry) String() string {
	if e.IsDir() {
		return e.Path + "/"
	}
	return fmt.Sprintf("%s (%d bytes, %s)", e.Path, e.Size, e.ModTime.Format(time.RFC3339Nano))
}

// Comparator reports whether two entries have the same content identity.
type Comparator func(a, b Entry) bool

// MetadataComparator identifies files by size and modification time and
// directories by existence alone.
func MetadataComparator(a, b Entry) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.IsDir() {
		return true
	}
	return a.Size == b.Size && a.ModTime.Equal(b.ModTime)
}

// Snapshot is the state of a tree at one instant. A path absent from the map
// does not exist in the tree.
type Snapshot map[string]Entry

// Lookup returns a copy of the entry at path, or nil when the path is absent.
func (s Snapshot) Lookup(path string) *Entry {
	e, ok := s[path]
	if !ok {
		return nil
	}
	return &e
}

// Paths returns all paths in lexical order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for p, e := range s {
		out[p] = e
	}
	return out
}

// Stats returns the number of files, directories and the total file size.
func (s Snapshot) Stats() (files, dirs int, size int64) {
	for _, e := range s {
		if e.IsDir() {
			dirs++
			continue
		}
		files++
		size += e.Size
	}
	return files, dirs, size
}

// Depth is the number of path components of a relative path.
func Depth(path string) int {
	return strings.Count(path, "/") + 1
}

// Ancestors returns the parent directories of path, shallowest first.
// Ancestors("a/b/c") is ["a", "a/b"].
func Ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

// IsDescendant reports whether path lies strictly below dir.
func IsDescendant(dir, path string) bool {
	return strings.HasPrefix(path, dir+"/")
}
