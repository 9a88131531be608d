package jobs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ClearDir removes every regular file directly under dir, creating dir if
// it does not exist. Subdirectories are left alone.
func ClearDir(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("jobs: create %s: %w", dir, err)
	}
	return removeFiles(dir, func(fs.FileInfo) bool { return true })
}

// SweepOlderThan removes regular files directly under dir last modified
// before now-age. A missing dir is not an error.
func SweepOlderThan(dir string, age time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-age)
	n, err := removeFiles(dir, func(info fs.FileInfo) bool { return info.ModTime().Before(cutoff) })
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return n, err
}

func removeFiles(dir string, match func(fs.FileInfo) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("jobs: read %s: %w", dir, err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !match(info) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("jobs: clear %s: %w", dir, errors.Join(errs...))
	}
	return removed, nil
}
