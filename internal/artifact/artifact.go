// Package artifact locates generated files in the dated output tree
// (outputRoot/<dateFolder>/<file>).
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when no file in the tree matches the query.
var ErrNotFound = errors.New("artifact: no matching file")

// Predicate reports whether a file name is a candidate.
type Predicate func(name string) bool

// Suffix matches names ending in s, case-insensitively.
func Suffix(s string) Predicate {
	s = strings.ToLower(s)
	return func(name string) bool { return strings.HasSuffix(strings.ToLower(name), s) }
}

// Contains matches names containing sub.
func Contains(sub string) Predicate {
	return func(name string) bool { return strings.Contains(name, sub) }
}

// All matches when every predicate matches.
func All(ps ...Predicate) Predicate {
	return func(name string) bool {
		for _, p := range ps {
			if !p(name) {
				return false
			}
		}
		return true
	}
}

// PDF matches .pdf files.
func PDF() Predicate { return Suffix(".pdf") }

// Query selects files for FindNewest.
type Query struct {
	Match Predicate
	// Since excludes files modified before it. Zero means no bound.
	Since time.Time
}

// Found describes the located artifact.
type Found struct {
	Path      string
	Name      string
	DateDir   string
	ModTime   time.Time
	SizeBytes int64
}

// FindNewest scans root/<dir>/<file> and returns the most recently modified
// regular file that matches q. It does not descend further than two levels.
// Equal modification times resolve to the lexicographically greatest path.
func FindNewest(root string, q Query) (Found, error) {
	dirs, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return Found{}, ErrNotFound
	}
	if err != nil {
		return Found{}, fmt.Errorf("artifact: read %s: %w", root, err)
	}

	var best Found
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dirPath := filepath.Join(root, d.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			// A date folder vanishing mid-scan is not fatal.
			continue
		}
		for _, f := range files {
			if !f.Type().IsRegular() {
				continue
			}
			if q.Match != nil && !q.Match(f.Name()) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			mt := info.ModTime()
			if !q.Since.IsZero() && mt.Before(q.Since) {
				continue
			}
			path := filepath.Join(dirPath, f.Name())
			if best.Path == "" || mt.After(best.ModTime) || (mt.Equal(best.ModTime) && path > best.Path) {
				best = Found{
					Path:      path,
					Name:      f.Name(),
					DateDir:   d.Name(),
					ModTime:   mt,
					SizeBytes: info.Size(),
				}
			}
		}
	}
	if best.Path == "" {
		return Found{}, ErrNotFound
	}
	return best, nil
}

// Describe builds a Found for a path reported directly by a job, checking that
// it exists and is a regular file.
func Describe(path string) (Found, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Found{}, fmt.Errorf("artifact: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Found{}, fmt.Errorf("artifact: %s is not a regular file", path)
	}
	return Found{
		Path:      path,
		Name:      filepath.Base(path),
		DateDir:   filepath.Base(filepath.Dir(path)),
		ModTime:   info.ModTime(),
		SizeBytes: info.Size(),
	}, nil
}
