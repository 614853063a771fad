// Package assets manages uploaded item images under the public directory.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path is outside the images directory")

// Dir is the public directory; item image paths are relative to it (e.g. "images/mario.png").
type Dir struct {
	Root string
}

func (d Dir) ImagesDir() string {
	return filepath.Join(d.Root, "images")
}

// resolve maps a stored relative path to a file under the images directory.
func (d Dir) resolve(rel string) (string, error) {
	clean := path.Clean("/" + strings.TrimPrefix(rel, "/"))
	if !strings.HasPrefix(clean, "/images/") || strings.Contains(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.Join(d.Root, filepath.FromSlash(clean)), nil
}

// Remove deletes the file behind rel. A file that is already gone is not an error.
// Remote images (http/https URLs) are ignored.
func (d Dir) Remove(rel string) error {
	if rel == "" || isRemote(rel) {
		return nil
	}
	p, err := d.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

// CleanupResult reports what CleanupOrphans did.
type CleanupResult struct {
	Deleted    []string `json:"deleted"`
	Referenced int      `json:"referenced"`
}

// CleanupOrphans deletes every file in the images directory that no path in used refers to.
// A missing images directory means there is nothing to clean.
func (d Dir) CleanupOrphans(used []string) (CleanupResult, error) {
	res := CleanupResult{Deleted: []string{}, Referenced: len(used)}
	keep := make(map[string]bool, len(used))
	for _, u := range used {
		keep[strings.TrimPrefix(u, "/")] = true
	}

	entries, err := os.ReadDir(d.ImagesDir())
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("reading images dir: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rel := "images/" + e.Name()
		if keep[rel] {
			continue
		}
		if err := os.Remove(filepath.Join(d.ImagesDir(), e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Deleted = append(res.Deleted, rel)
	}
	return res, errors.Join(errs...)
}

func isRemote(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
