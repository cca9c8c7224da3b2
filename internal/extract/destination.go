package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact extensions.
const (
	extHTML = "html"
	extPNG  = "png"
	extJSON = "json"
)

// Destination resolves where a feature is written. A relative feature path is
// joined to base; an empty feature path means base itself. When the result
// ends in ".<ext>" the last element is the filename, otherwise fname is empty
// and the artifact is named after its content hash.
func Destination(base string, feature *string, ext string) (dir string, fname string) {
	path := base
	if feature != nil && *feature != "" {
		if filepath.IsAbs(*feature) {
			path = *feature
		} else {
			path = filepath.Join(base, *feature)
		}
	}
	if path == "" {
		path = "."
	}
	suffix := "." + ext
	if len(path) > len(suffix) && strings.HasSuffix(path, suffix) {
		return filepath.Dir(path), filepath.Base(path)
	}
	return path, ""
}

// ensureDir creates dir and its parents.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
