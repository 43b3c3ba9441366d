package config

import (
	"os"
	"path/filepath"
	"sync"
)

// DirEnv overrides the default data directory.
const DirEnv = "STATELOG_DIR"

var (
	defaultDir     string
	defaultDirErr  error
	defaultDirOnce sync.Once
)

// DefaultDir returns the directory logs are stored in when none is configured: $STATELOG_DIR,
// or ~/.statelog/data. It is resolved once per process.
func DefaultDir() (string, error) {
	defaultDirOnce.Do(func() {
		defaultDir, defaultDirErr = resolveDir()
	})
	return defaultDir, defaultDirErr
}

func resolveDir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".statelog", "data"), nil
}
