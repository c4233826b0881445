// Package pidfile records the server's PID so init scripts and operators can
// find and signal a running instance.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Pidfile is one PID file on disk
type Pidfile struct {
	path string
}

func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Write records the current PID. A leftover file from a live process is an
// error; a stale file from a dead one is overwritten.
func (p *Pidfile) Write() error {
	if pid, err := p.Read(); err == nil && processAlive(pid) {
		return fmt.Errorf("another instance is already running with PID %d", pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	content := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(p.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read returns the PID stored in the file
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file; a missing file is not an error
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

func (p *Pidfile) Path() string {
	return p.path
}

// processAlive reports whether a process with the given PID exists
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
