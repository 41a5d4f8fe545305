package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSystemDirs is the fixed search path used after the configured
// commands directory. $PATH is never consulted.
var DefaultSystemDirs = []string{
	"/usr/local/sbin",
	"/usr/local/bin",
	"/usr/sbin",
	"/usr/bin",
	"/sbin",
	"/bin",
}

var (
	// ErrCommandRejected is returned for names that could escape the
	// trusted directories.
	ErrCommandRejected = errors.New("command rejected")

	// ErrCommandNotFound is returned when no trusted directory holds an
	// executable with the requested name.
	ErrCommandNotFound = errors.New("command not found")
)

// Resolver maps a bare command name to an executable inside a fixed list
// of absolute directories, in order. The working directory and $PATH play
// no part in resolution, so a file dropped next to the agent cannot stand
// in for a system tool.
type Resolver struct {
	dirs []string
}

// NewResolver creates a Resolver over dirs. Every directory must be absolute.
func NewResolver(dirs ...string) (*Resolver, error) {
	if len(dirs) == 0 {
		return nil, errors.New("at least one trusted directory is required")
	}
	cleaned := make([]string, 0, len(dirs))
	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		if !filepath.IsAbs(dir) {
			return nil, fmt.Errorf("trusted directory %q is not absolute", dir)
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		cleaned = append(cleaned, dir)
	}
	return &Resolver{dirs: cleaned}, nil
}

// Dirs returns the search path in resolution order.
func (r *Resolver) Dirs() []string {
	out := make([]string, len(r.dirs))
	copy(out, r.dirs)
	return out
}

// Resolve returns the absolute path of the first regular, executable,
// non world-writable file called name in the trusted directories.
func (r *Resolver) Resolve(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}

	for _, dir := range r.dirs {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		mode := info.Mode()
		if !mode.IsRegular() || mode.Perm()&0o111 == 0 {
			continue
		}
		if mode.Perm()&0o002 != 0 {
			return "", fmt.Errorf("%w: %s is world-writable", ErrCommandRejected, candidate)
		}
		return candidate, nil
	}

	return "", fmt.Errorf("%w: %s (searched %s)", ErrCommandNotFound, name, strings.Join(r.dirs, string(os.PathListSeparator)))
}

func checkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty command name", ErrCommandRejected)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is not a command name", ErrCommandRejected, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrCommandRejected, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: command name contains NUL", ErrCommandRejected)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w: %q looks like a flag", ErrCommandRejected, name)
	}
	return nil
}
