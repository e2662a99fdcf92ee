package positions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// saveMirror rewrites the full tracked-position map atomically: marshal,
// write a temp file in the same directory, fsync, rename. A crash never
// leaves a partial file behind.
func saveMirror(path string, m map[string]*TrackedPosition) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".positions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp mirror: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write mirror: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close mirror: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename mirror: %w", err)
	}
	return nil
}

// loadMirror reads the tracked-position map back. A missing file is an
// empty map, not an error; that is the first-run case.
func loadMirror(path string) (map[string]*TrackedPosition, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]*TrackedPosition), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	m := make(map[string]*TrackedPosition)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode mirror %s: %w", path, err)
	}
	return m, nil
}
