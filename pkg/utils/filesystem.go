package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// VarSubdirs are the directories the daemon expects under its var root,
// the Unix socket, log files, SQLite databases, and
// on-disk transformer definitions.
var VarSubdirs = []string{"run", "log", "db", "lib"}

// EnsureVarDir creates the daemon's var/{run,log,db,lib} layout rooted at
// basePath ("var" when basePath is empty or ".") and returns the root path.
func EnsureVarDir(basePath string) (string, error) {
	varDir := basePath
	if varDir == "" || varDir == "." {
		varDir = "var"
	}

	for _, sub := range VarSubdirs {
		dir := filepath.Join(varDir, sub)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create var directory at '%s': %w", dir, err)
		}
	}

	return varDir, nil
}
