// Package locator resolves a logical CLI tool name to an absolute
// executable path (spec §4.1). It is a pure function of filesystem state:
// no network calls, no installation, no side effects.
package locator

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Result is the outcome of a resolve attempt. Absent is a normal outcome,
// not an error — callers translate it to a user-visible "tool not
// installed" condition.
type Result struct {
	Path    string
	Found   bool
	// Source records which search tier produced the match, for logging:
	// "hint", "standard-prefix", or "path".
	Source string
}

// OSPaths holds per-OS standard install prefix candidates for a tool. Use
// Expanded to get the ~-expanded list for the current OS.
type OSPaths struct {
	Linux   []string
	MacOS   []string
	Windows []string
}

func (p OSPaths) forOS() []string {
	switch runtime.GOOS {
	case "darwin":
		return p.MacOS
	case "windows":
		return p.Windows
	default:
		return p.Linux
	}
}

// Expanded returns the current OS's candidate paths with leading ~
// expanded to the user's home directory. Paths that fail to expand (no
// home directory available) are silently skipped.
func (p OSPaths) Expanded() []string {
	raw := p.forOS()
	out := make([]string, 0, len(raw))
	for _, path := range raw {
		if expanded := expandHome(path); expanded != "" {
			out = append(out, expanded)
		}
	}
	return out
}

func expandHome(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(filepath.FromSlash(path))
}

// Resolve implements spec §4.1: try hints (ordered absolute candidate
// paths) first, then the tool's standard install prefixes, then a PATH
// lookup by name. The first candidate that exists and is not a directory
// wins.
func Resolve(name string, hints []string, standard OSPaths) Result {
	for _, candidate := range hints {
		if fileExists(candidate) {
			return Result{Path: candidate, Found: true, Source: "hint"}
		}
	}

	for _, candidate := range standard.Expanded() {
		if fileExists(candidate) {
			return Result{Path: candidate, Found: true, Source: "standard-prefix"}
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return Result{Path: p, Found: true, Source: "path"}
	}

	return Result{}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
