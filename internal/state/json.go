package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/pocketsync/internal/tree"
	"github.com/openmined/pocketsync/internal/utils"
	"github.com/openmined/pocketsync/internal/version"
)

type jsonDoc struct {
	Version     int         `json:"version"`
	CommittedAt time.Time   `json:"committed_at"`
	Local       []jsonEntry `json:"local"`
	Remote      []jsonEntry `json:"remote"`
}

type jsonEntry struct {
	Path  string    `json:"path"`
	Kind  tree.Kind `json:"kind"`
	Size  int64     `json:"size,omitempty"`
	MTime int64     `json:"mtime,omitempty"`
}

// JSONBackend keeps the state in a single JSON document. A commit writes a
// synced temp file and renames it over the previous document.
type JSONBackend struct {
	path string
}

func OpenJSON(path string) (*JSONBackend, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &JSONBackend{path: path}, nil
}

func (j *JSONBackend) Load(ctx context.Context) (*SyncState, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	defer f.Close()

	var doc jsonDoc
	if err := decodeJSON(bufio.NewReader(f), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, j.path, err)
	}
	if doc.Version != version.StateFormat {
		return nil, fmt.Errorf("%w: %s: unsupported format %d", ErrCorrupt, j.path, doc.Version)
	}

	st := &SyncState{CommittedAt: doc.CommittedAt}
	if st.Local, err = fromJSON(doc.Local); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, j.path, err)
	}
	if st.Remote, err = fromJSON(doc.Remote); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, j.path, err)
	}
	return st, nil
}

func (j *JSONBackend) Save(ctx context.Context, st *SyncState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := jsonDoc{
		Version:     version.StateFormat,
		CommittedAt: st.CommittedAt.UTC(),
		Local:       toJSON(st.Local),
		Remote:      toJSON(st.Remote),
	}

	dir := filepath.Dir(j.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(j.path)+".pocketsync-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := encodeJSON(w, doc); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	committed = true

	if err := utils.SyncDir(dir); err != nil {
		slog.Warn("state", "op", "SYNCDIR", "path", dir, "error", err)
	}

	slog.Debug("state committed", "backend", BackendJSON, "local", len(st.Local), "remote", len(st.Remote))
	return nil
}

func (j *JSONBackend) Close() error {
	return nil
}

func toJSON(s tree.Snapshot) []jsonEntry {
	out := make([]jsonEntry, 0, len(s))
	for _, p := range s.Paths() {
		e := s[p]
		je := jsonEntry{Path: e.Path, Kind: e.Kind}
		if e.Kind == tree.KindFile {
			je.Size = e.Size
			je.MTime = e.ModTime.UnixNano()
		}
		out = append(out, je)
	}
	return out
}

func fromJSON(entries []jsonEntry) (tree.Snapshot, error) {
	out := make(tree.Snapshot, len(entries))
	for _, je := range entries {
		switch je.Kind {
		case tree.KindDir:
			out[je.Path] = tree.NewDir(je.Path)
		case tree.KindFile:
			out[je.Path] = tree.NewFile(je.Path, je.Size, time.Unix(0, je.MTime))
		default:
			return nil, fmt.Errorf("unknown kind %q for %s", je.Kind, je.Path)
		}
	}
	return out, nil
}
