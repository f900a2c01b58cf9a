// Package exclude decides which paths of a sync root take no part in syncing.
package exclude

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

// MetadataDir is the engine's private directory at the root of a local tree.
// It is never synced regardless of the user's rules.
const MetadataDir = ".pocketsync"

var ErrInvalidPattern = errors.New("invalid exclude pattern")

const stampPattern = "[0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9]"

// defaultIgnoreLines hide the engine's own artifacts from both trees:
// transfer temp files and conflict copies named <path>.conflict-<stamp>[-N].
var defaultIgnoreLines = []string{
	"*.pocketsync-tmp-*",
	"*.conflict-" + stampPattern,
	"*.conflict-" + stampPattern + "-[0-9]*",
}

// Matcher is an ordered set of gitignore-style rules. A path is excluded when
// a rule matches the path itself or any of its ancestor directories; a leading
// slash anchors a rule at the sync root.
type Matcher struct {
	rules  []string
	ignore *gitignore.GitIgnore
}

// New compiles the given rule lines. Blank lines and # comments are skipped.
func New(lines ...string) (*Matcher, error) {
	rules := make([]string, 0, len(lines))
	for n, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := validate(line); err != nil {
			return nil, fmt.Errorf("%w: line %d %q", ErrInvalidPattern, n+1, raw)
		}
		rules = append(rules, line)
	}

	all := make([]string, 0, len(defaultIgnoreLines)+len(rules))
	all = append(all, defaultIgnoreLines...)
	all = append(all, rules...)

	return &Matcher{
		rules:  rules,
		ignore: gitignore.CompileIgnoreLines(all...),
	}, nil
}

// Load reads rules from path. A missing file yields a matcher with no user
// rules; an unreadable file is an error.
func Load(path string) (*Matcher, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New()
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrInvalidPattern, path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidPattern, path, err)
	}

	m, err := New(lines...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("exclude rules loaded", "path", path, "rules", m.Len())
	return m, nil
}

// Match reports whether the relative path is excluded.
func (m *Matcher) Match(path string) bool {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return false
	}
	if path == MetadataDir || strings.HasPrefix(path, MetadataDir+"/") {
		return true
	}
	// directory-only rules ("build/") need the trailing slash to match the
	// directory entry itself
	return m.ignore.MatchesPath(path) || m.ignore.MatchesPath(path+"/")
}

// Len is the number of user rules, not counting built-in ones.
func (m *Matcher) Len() int {
	return len(m.rules)
}

func (m *Matcher) Rules() []string {
	return append([]string(nil), m.rules...)
}

func validate(line string) error {
	pattern := strings.TrimPrefix(line, "!")
	pattern = strings.TrimPrefix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return errors.New("empty pattern")
	}
	if !doublestar.ValidatePattern(pattern) {
		return errors.New("malformed glob")
	}
	return nil
}
