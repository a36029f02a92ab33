package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LastGoodPath returns where the last configuration that started a process
// successfully is kept.
// Example: /etc/torusmesh/node.yaml → /etc/torusmesh/.node.last-good.yaml
func LastGoodPath(configPath string) string {
	dir, base := filepath.Split(configPath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".last-good"+ext)
}

// SaveLastGood records configPath as known good. Called once a process has
// loaded and validated it.
func SaveLastGood(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("save last-good: %w", err)
	}
	return writeAtomic(LastGoodPath(configPath), data)
}

// RestoreLastGood copies the last-good file back over configPath.
func RestoreLastGood(configPath string) error {
	src := LastGoodPath(configPath)
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNoLastGood, src)
	}
	if err != nil {
		return fmt.Errorf("restore last-good: %w", err)
	}
	return writeAtomic(configPath, data)
}

// writeAtomic writes data to a temp file beside path and renames it into
// place, so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
