// ABOUTME: PID-file process lock so only one hub runs against a database
// ABOUTME: Stale locks from dead processes are cleared automatically

package proclock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("another instance is running")

// Lock is a PID-file based exclusive lock.
type Lock struct {
	path   string
	logger *slog.Logger
	held   bool
}

// New creates a lock at the given path. Nothing is taken until Acquire.
func New(path string, logger *slog.Logger) *Lock {
	return &Lock{
		path:   path,
		logger: logger.With("component", "proclock"),
	}
}

// Acquire takes the lock for the current process. If the file names a
// process that is still alive, Acquire fails with ErrLocked wrapping the
// live PID. A lock left behind by a dead process is cleared and retaken.
func (l *Lock) Acquire() error {
	if pid, ok := l.readPID(); ok {
		alive, err := processAlive(pid)
		if err != nil {
			return fmt.Errorf("checking process %d: %w", pid, err)
		}
		if alive {
			return fmt.Errorf("%w: pid %d holds %s", ErrLocked, pid, l.path)
		}
		l.logger.Warn("clearing stale lock", "path", l.path, "stale_pid", pid)
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing stale lock: %w", err)
		}
	}

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating lock directory: %w", err)
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}

	l.held = true
	l.logger.Debug("acquired process lock", "path", l.path, "pid", pid)
	return nil
}

// Release removes the lock file. Only a lock this process acquired and
// still owns is removed; releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	if pid, ok := l.readPID(); ok && pid != os.Getpid() {
		// Someone else took over after a crash-and-restart; leave it.
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	l.logger.Debug("released process lock", "path", l.path)
	return nil
}

// readPID reads and parses the lock file. Returns false when the file is
// absent or unparseable; an unparseable file is treated as stale.
func (l *Lock) readPID() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether a process with the given PID exists.
func processAlive(pid int) (bool, error) {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}
	return proc != nil, nil
}
