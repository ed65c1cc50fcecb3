// Package pidfile records the ingest server process id so that a later
// invocation can signal it.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrNoPath is returned when no pid file path is configured
var ErrNoPath = errors.New("pid file path is empty")

// File is a pid file at a fixed path
type File struct {
	path string
}

func New(path string) *File {
	return &File{path: path}
}

// Path returns the pid file location
func (f *File) Path() string {
	return f.path
}

// Write stores the current process id, creating parent directories
func (f *File) Write() error {
	if f.path == "" {
		return ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// Remove deletes the pid file. A missing file is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Read parses the recorded process id
func (f *File) Read() (int, error) {
	if f.path == "" {
		return 0, ErrNoPath
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid format in file: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid value: %d", pid)
	}
	return pid, nil
}

// Signal sends sig to the recorded process
func (f *File) Signal(sig syscall.Signal) error {
	pid, err := f.Read()
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}
