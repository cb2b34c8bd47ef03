package personality

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	FileName = "PERSONALITY.md"
	Default  = "You are a helpful research assistant. You can search the web for current information and scrape web pages to read their full content."
)

// ReadFromDisk returns the contents of the nearest PERSONALITY.md in the
// working directory or one of its parents.
func ReadFromDisk() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path, err := findInParents(cwd, FileName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Resolve returns the operator's persona text, or Default when there is none.
func Resolve() string {
	text, err := ReadFromDisk()
	if err != nil || text == "" {
		return Default
	}
	return text
}

func findInParents(startDir string, filename string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
