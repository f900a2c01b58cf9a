package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrEmptyPath = errors.New("path cannot be empty")

// ResolvePath expands a leading `~` and returns a clean absolute path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// ResolveFrom resolves path against base when it is relative.
// `~` is expanded the same way ResolvePath does.
func ResolveFrom(base, path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "~") {
		return ResolvePath(path)
	}
	return ResolvePath(filepath.Join(base, path))
}

// ToSlashRel returns target relative to root using forward slashes.
func ToSlashRel(root, target string) (string, error) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", target, root)
	}
	return filepath.ToSlash(rel), nil
}

func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

func EnsureDir(path string) error {
	if DirExists(path) {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
