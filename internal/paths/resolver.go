// Package paths resolves the file locations named in configuration.
// A path may start with a named prefix ("data:journal.db") that maps to a
// configured directory, or with ~ for the user's home directory. Plain
// relative paths are left relative to the working directory, which is
// where the latest-frame file has always been written.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to directories. A nil *Resolver only
// expands ~ and otherwise returns paths unchanged.
type Resolver struct {
	dirs   map[string]string // "data:" -> "/var/lib/kinect-relay"
	sorted []string          // longest prefix first
}

// New builds a Resolver from prefix names (without colon) to
// directories. Returns nil for an empty map.
func New(dirs map[string]string) *Resolver {
	if len(dirs) == 0 {
		return nil
	}
	r := &Resolver{dirs: make(map[string]string, len(dirs))}
	for name, dir := range dirs {
		key := strings.TrimSuffix(name, ":") + ":"
		r.dirs[key] = ExpandHome(dir)
		r.sorted = append(r.sorted, key)
	}
	sort.Slice(r.sorted, func(i, j int) bool {
		return len(r.sorted[i]) > len(r.sorted[j])
	})
	return r
}

// Resolve expands a prefixed or ~ path. Unknown prefixes are returned
// unchanged.
func (r *Resolver) Resolve(path string) string {
	if r != nil {
		for _, prefix := range r.sorted {
			if rel, ok := strings.CutPrefix(path, prefix); ok {
				if rel == "" {
					return r.dirs[prefix]
				}
				return filepath.Join(r.dirs[prefix], rel)
			}
		}
	}
	return ExpandHome(path)
}

// EnsureParent creates the parent directory of path if needed.
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
