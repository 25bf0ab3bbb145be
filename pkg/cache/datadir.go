package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DataDirName is the directory name searched for by FindDataDir.
	DataDirName = "data"

	// DefaultDatabaseName is the cache file created inside the data directory.
	DefaultDatabaseName = "cached_responses.sqlite"
)

// ErrNoDataDir is returned when no ancestor directory contains a "data" directory.
var ErrNoDataDir = errors.New("no data directory: there must exist a directory named data in the project")

// FindDataDir walks from start up to the filesystem root and returns the
// path of the first "data" directory found.
func FindDataDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve start dir: %w", err)
	}

	for {
		candidate := filepath.Join(dir, DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w (searched upward from %s)", ErrNoDataDir, start)
		}
		dir = parent
	}
}

// DefaultDatabasePath returns <data dir>/cached_responses.sqlite for the
// data directory found above start.
func DefaultDatabasePath(start string) (string, error) {
	dataDir, err := FindDataDir(start)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, DefaultDatabaseName), nil
}
