// Package lockfile guards a SQLite state directory against a second StateFlow
// process. The flock is released by the kernel when the process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is created next to the database file.
const LockFileName = "stateflow.lock"

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dir.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Error("Lockfile Acquire failed", "path", path, "holder", holder, "error", err)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
		if err != nil {
			slog.Warn("Lockfile Acquire could not record pid", "path", path, "error", err)
		}
	}
	slog.Debug("Lockfile Acquire succeeded", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("Lockfile Release could not remove file", "path", l.path, "error", rmErr)
	}
	slog.Debug("Lockfile Release", "path", l.path)
	return err
}

// LockError reports a directory already locked by another process.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := "another StateFlow process holds " + e.Path
	if e.Holder != "" {
		msg += " (" + e.Holder + ")"
	}
	return msg
}

func (e *LockError) Unwrap() error { return e.Cause }

// describeHolder reads the pid recorded in the lock file and whether it still runs.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return ""
	}
	if processRunning(pid) {
		return fmt.Sprintf("pid %d, running", pid)
	}
	return fmt.Sprintf("pid %d, not running", pid)
}

func parsePID(content string) int {
	const prefix = "pid="
	idx := strings.Index(content, prefix)
	if idx < 0 {
		return 0
	}
	field := strings.Fields(content[idx+len(prefix):])
	if len(field) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(field[0])
	if err != nil {
		return 0
	}
	return pid
}

func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
