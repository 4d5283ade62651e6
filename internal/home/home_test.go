package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-chorus")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-chorus" {
			t.Errorf("expected path /tmp/test-chorus, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-chorus")

	t.Run("CheckpointsDir", func(t *testing.T) {
		expected := "/tmp/test-chorus/checkpoints"
		if dir.CheckpointsDir() != expected {
			t.Errorf("expected %s, got %s", expected, dir.CheckpointsDir())
		}
	})

	t.Run("OutputPath", func(t *testing.T) {
		expected := "/tmp/test-chorus/output/s1.mp3"
		if got := dir.OutputPath("s1", "mp3"); got != expected {
			t.Errorf("expected %s, got %s", expected, got)
		}
	})

	t.Run("ConfigPath", func(t *testing.T) {
		expected := "/tmp/test-chorus/config.yaml"
		if dir.ConfigPath() != expected {
			t.Errorf("expected %s, got %s", expected, dir.ConfigPath())
		}
	})
}

func TestDir_EnsureExists(t *testing.T) {
	// Use a temp directory
	tmpDir := t.TempDir()
	chorusDir := filepath.Join(tmpDir, "chorus-test")

	dir, err := New(chorusDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Directory shouldn't exist yet
	if dir.Exists() {
		t.Error("directory should not exist before EnsureExists")
	}

	// Create it
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}

	// Now it should exist
	if !dir.Exists() {
		t.Error("directory should exist after EnsureExists")
	}

	for _, sub := range []string{dir.CheckpointsDir(), dir.StagingDir(), dir.ArtifactsDir()} {
		if _, err := os.Stat(sub); os.IsNotExist(err) {
			t.Errorf("%s should exist after EnsureExists", sub)
		}
	}
}

func TestDir_ConfigExists(t *testing.T) {
	tmpDir := t.TempDir()
	dir, _ := New(tmpDir)

	// Config doesn't exist
	if dir.ConfigExists() {
		t.Error("config should not exist initially")
	}

	// Create a config file
	configPath := dir.ConfigPath()
	if err := os.WriteFile(configPath, []byte("test: true\n"), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	// Now it should exist
	if !dir.ConfigExists() {
		t.Error("config should exist after creation")
	}
}

func TestDir_PID(t *testing.T) {
	dir, _ := New(t.TempDir())

	if _, ok := dir.RunningPID(); ok {
		t.Error("RunningPID() reported a server before any pid file")
	}
	if err := dir.WritePID(); err != nil {
		t.Fatalf("WritePID() error = %v", err)
	}
	pid, ok := dir.RunningPID()
	if !ok || pid != os.Getpid() {
		t.Errorf("RunningPID() = %d, %v; want %d, true", pid, ok, os.Getpid())
	}
	dir.RemovePID()
	if _, err := os.Stat(dir.PIDPath()); !os.IsNotExist(err) {
		t.Errorf("pid file still present: %v", err)
	}

	if err := os.WriteFile(dir.PIDPath(), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := dir.RunningPID(); ok {
		t.Error("RunningPID() accepted an invalid pid file")
	}
}
