package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/pocketsync/internal/db"
	"github.com/openmined/pocketsync/internal/tree"
	"github.com/openmined/pocketsync/internal/version"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
    side TEXT NOT NULL CHECK (side IN ('local', 'remote')),
    path TEXT NOT NULL,
    kind TEXT NOT NULL,
    size INTEGER NOT NULL,
    mtime INTEGER NOT NULL, -- unix nanoseconds
    PRIMARY KEY (side, path)
);

CREATE TABLE IF NOT EXISTS sync_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	sideLocal  = "local"
	sideRemote = "remote"

	metaCommittedAt = "committed_at"
	metaFormat      = "format"
)

type dbEntry struct {
	Side  string `db:"side"`
	Path  string `db:"path"`
	Kind  string `db:"kind"`
	Size  int64  `db:"size"`
	MTime int64  `db:"mtime"`
}

// SQLiteBackend keeps the state in a SQLite database. A commit replaces both
// snapshots inside one transaction.
type SQLiteBackend struct {
	db   *sqlx.DB
	path string
}

func OpenSQLite(path string) (*SQLiteBackend, error) {
	conn, err := db.Open(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	return &SQLiteBackend{db: conn, path: path}, nil
}

func (s *SQLiteBackend) Load(ctx context.Context) (*SyncState, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var rows []dbEntry
	if err := s.db.SelectContext(ctx, &rows, "SELECT side, path, kind, size, mtime FROM sync_state"); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	st := Empty()
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
		}
		switch row.Side {
		case sideLocal:
			st.Local[row.Path] = entry
		case sideRemote:
			st.Remote[row.Path] = entry
		}
	}

	var format string
	err := s.db.GetContext(ctx, &format, "SELECT value FROM sync_meta WHERE key = ?", metaFormat)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load state: %w", err)
	case format != strconv.Itoa(version.StateFormat):
		return nil, fmt.Errorf("%w: %s: unsupported format %s", ErrCorrupt, s.path, format)
	}

	var committed string
	err = s.db.GetContext(ctx, &committed, "SELECT value FROM sync_meta WHERE key = ?", metaCommittedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load state: %w", err)
	default:
		if st.CommittedAt, err = time.Parse(time.RFC3339Nano, committed); err != nil {
			return nil, fmt.Errorf("%w: committed_at %q", ErrCorrupt, committed)
		}
	}

	return st, nil
}

func (s *SQLiteBackend) Save(ctx context.Context, st *SyncState) error {
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO sync_state (side, path, kind, size, mtime)
		VALUES (:side, :path, :kind, :size, :mtime)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for side, snap := range map[string]tree.Snapshot{sideLocal: st.Local, sideRemote: st.Remote} {
		for _, e := range snap {
			if _, err := stmt.ExecContext(ctx, fromEntry(side, e)); err != nil {
				return fmt.Errorf("failed to write %s entry %s: %w", side, e.Path, err)
			}
		}
	}

	meta := map[string]string{
		metaCommittedAt: st.CommittedAt.UTC().Format(time.RFC3339Nano),
		metaFormat:      strconv.Itoa(version.StateFormat),
	}
	for key, value := range meta {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sync_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value,
		); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	slog.Debug("state committed", "backend", BackendSQLite, "local", len(st.Local), "remote", len(st.Remote))
	return nil
}

func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func fromEntry(side string, e tree.Entry) dbEntry {
	row := dbEntry{Side: side, Path: e.Path, Kind: string(e.Kind), Size: e.Size}
	if e.Kind == tree.KindFile {
		row.MTime = e.ModTime.UnixNano()
	}
	return row
}

func (r dbEntry) toEntry() (tree.Entry, error) {
	switch tree.Kind(r.Kind) {
	case tree.KindDir:
		return tree.NewDir(r.Path), nil
	case tree.KindFile:
		return tree.NewFile(r.Path, r.Size, time.Unix(0, r.MTime)), nil
	default:
		return tree.Entry{}, fmt.Errorf("unknown kind %q for %s", r.Kind, r.Path)
	}
}
