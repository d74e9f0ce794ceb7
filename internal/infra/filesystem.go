package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
)

// WorkDir expands dotPath, joins path to it and makes sure the directory
// exists.
func WorkDir(dotPath string, path ...string) (string, error) {
	dir, err := homedir.Expand(filepath.Join(append([]string{dotPath}, path...)...))
	if err != nil {
		return "", fmt.Errorf("expand work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	log.WithField("dir", dir).Trace("work dir ready")
	return dir, nil
}
