package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the chorus home directory.
	DefaultDirName = ".chorus"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	checkpointsDirName = "checkpoints"
	stagingDirName     = "staging"
	artifactsDirName   = "artifacts"
	outputDirName      = "output"
)

// Dir represents the chorus home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.chorus).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// CheckpointsDir holds the local checkpoint mirrors.
func (d *Dir) CheckpointsDir() string {
	return filepath.Join(d.path, checkpointsDirName)
}

// StagingDir holds fetched chapter files while combining.
func (d *Dir) StagingDir() string {
	return filepath.Join(d.path, stagingDirName)
}

// ArtifactsDir is the default fs transfer root.
func (d *Dir) ArtifactsDir() string {
	return filepath.Join(d.path, artifactsDirName)
}

// OutputPath returns the default combined audiobook path for a session.
func (d *Dir) OutputPath(sessionID, format string) string {
	return filepath.Join(d.path, outputDirName, fmt.Sprintf("%s.%s", sessionID, format))
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.CheckpointsDir(), d.StagingDir(), d.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
