// Package persistence is the file-based store for plans, iterations,
// execution snapshots, assignments, learnings, and progress notes, all
// kept as human-readable JSON/JSONL under a per-project data directory.
// No third-party embedded-database or ORM library in the teacher's stack
// fits a single-process, human-inspectable file layout this small, so the
// write path is a small atomic-rename helper over encoding/json (see
// DESIGN.md).
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to path by first writing to a sibling temp
// file in the same directory, syncing it, then renaming over the target —
// so readers never observe a partially-written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// writeJSONAtomic marshals v and writes it atomically to path.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// appendLine appends one newline-terminated line to path, creating the
// file and its parent directory if necessary.
func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
