// Package workspace describes the on-disk layout of a synced local root and
// its metadata directory.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/pocketsync/internal/exclude"
	"github.com/openmined/pocketsync/internal/utils"
)

const (
	configFile   = "config"
	excludeFile  = "exclude"
	lockFile     = "lock"
	sqliteFile   = "state.db"
	jsonFile     = "state.json"
	backupsDir   = "backups"
	logFile      = "log"
	defaultRules = `# Paths excluded from syncing, one gitignore-style pattern per line.
# A leading slash anchors a pattern at the root of this directory.
`
)

var (
	ErrNotInitialized = errors.New("not a pocketsync directory")
	ErrAlreadyExists  = errors.New("pocketsync directory already initialized")
)

type Workspace struct {
	Root        string
	MetadataDir string
	ConfigPath  string
	ExcludePath string
	LockPath    string
	SQLitePath  string
	JSONPath    string
	BackupsDir  string
	LogPath     string
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, exclude.MetadataDir)
	return &Workspace{
		Root:        root,
		MetadataDir: meta,
		ConfigPath:  filepath.Join(meta, configFile),
		ExcludePath: filepath.Join(meta, excludeFile),
		LockPath:    filepath.Join(meta, lockFile),
		SQLitePath:  filepath.Join(meta, sqliteFile),
		JSONPath:    filepath.Join(meta, jsonFile),
		BackupsDir:  filepath.Join(meta, backupsDir),
		LogPath:     filepath.Join(meta, logFile),
	}, nil
}

// Find walks up from dir to the nearest directory holding a metadata
// directory, the way git finds its repository.
func Find(dir string) (*Workspace, error) {
	start, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	for cur := start; ; {
		if utils.DirExists(filepath.Join(cur, exclude.MetadataDir)) {
			return NewWorkspace(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, start)
		}
		cur = parent
	}
}

func (w *Workspace) IsInitialized() bool {
	return utils.FileExists(w.ConfigPath)
}

// Setup creates the root and metadata directories, and an exclude file with a
// short header when none exists.
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.Root, w.MetadataDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if !utils.FileExists(w.ExcludePath) {
		if err := os.WriteFile(w.ExcludePath, []byte(defaultRules), 0o644); err != nil {
			return fmt.Errorf("failed to create %s: %w", w.ExcludePath, err)
		}
	}

	slog.Debug("workspace", "root", w.Root)
	return nil
}

// AbsPath maps a slash-separated relative path to an absolute path in the root.
func (w *Workspace) AbsPath(relPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relPath))
}

// RelPath maps an absolute path inside the root to its normalized relative path.
func (w *Workspace) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	return NormPath(rel), nil
}

// NormPath normalizes a path by cleaning it, replacing backslashes with slashes, and trimming leading slashes
func NormPath(path string) string {
	path = filepath.Clean(path)
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.TrimLeft(path, "/")
	return path
}
