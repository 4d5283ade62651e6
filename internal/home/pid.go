package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDPath is the file holding the pid of a running server.
func (d *Dir) PIDPath() string {
	return filepath.Join(d.path, "serve.pid")
}

// WritePID records the current process as the running server.
func (d *Dir) WritePID() error {
	return os.WriteFile(d.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePID removes the pid file.
func (d *Dir) RemovePID() {
	_ = os.Remove(d.PIDPath())
}

// RunningPID returns the pid of a live server using this home. A stale
// file is removed.
func (d *Dir) RunningPID() (int, bool) {
	pid, err := readPID(d.PIDPath())
	if err != nil {
		return 0, false
	}
	if !isProcessAlive(pid) {
		d.RemovePID()
		return 0, false
	}
	return pid, true
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	return pid, nil
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without sending a real signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
