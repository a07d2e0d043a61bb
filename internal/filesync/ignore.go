package filesync

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/openmined/deskbridge/internal/storage"
	gitignore "github.com/sabhiram/go-gitignore"
)

var defaultIgnoreLines = []string{
	// vcs
	".git",
	".gitignore",
	// python
	"__pycache__",
	"*.pyc",
	"*.pyo",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	// editors and scratch
	"*.log",
	"*.tmp",
	"*.swp",
	// our own atomic writes
	storage.TempPrefix + "*",
}

// IgnoreList decides which paths are never synced.
type IgnoreList struct {
	mu     sync.RWMutex
	base   []string
	lines  []string
	ignore *gitignore.GitIgnore
}

func NewIgnoreList(extra []string) *IgnoreList {
	base := append(append([]string(nil), defaultIgnoreLines...), nonEmpty(extra)...)
	l := &IgnoreList{base: base}
	l.compile(nil)
	return l
}

// Load adds the rules found in the named ignore file at the storage root.
// A missing file is not an error.
func (l *IgnoreList) Load(store storage.FileStorage, name string) int {
	data, err := store.Read(name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("ignore file unreadable", "path", name, "error", err)
		}
		l.compile(nil)
		return 0
	}

	var rules []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, line)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("ignore file read", "path", name, "error", err)
	}

	l.compile(rules)
	slog.Info("ignore file loaded", "path", name, "rules", len(rules))
	return len(rules)
}

func (l *IgnoreList) compile(extra []string) {
	lines := append(append([]string(nil), l.base...), extra...)
	compiled := gitignore.CompileIgnoreLines(lines...)

	l.mu.Lock()
	l.lines = lines
	l.ignore = compiled
	l.mu.Unlock()
}

func (l *IgnoreList) ShouldIgnore(p string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ignore.MatchesPath(p)
}

// Patterns returns the active rules.
func (l *IgnoreList) Patterns() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.lines...)
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
