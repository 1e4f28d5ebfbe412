// Package lockfile keeps two Curio servers from sharing one state directory.
//
// The lock is an flock on <state dir>/curio.lock; the kernel releases it when the process
// exits, so a crashed server never blocks the next start.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "curio.lock"

// Info is the owner record written into the lock file.
type Info struct {
	PID     int
	Started time.Time
	Addr    string
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if !i.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	if i.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", i.Addr)
	}
	return b.String()
}

// parseInfo reads an owner record. Unknown keys are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(val)
		case "started":
			info.Started, _ = time.Parse(time.RFC3339, val)
		case "addr":
			info.Addr = val
		}
	}
	return info
}

// ErrLocked is the cause of a LockError when the lock is held elsewhere.
var ErrLocked = errors.New("state directory lock is held")

// Lock is a held state directory lock.
type Lock struct {
	flock *flock.Flock
	path  string
}

// AcquireLock takes the state directory lock for this process. addr is recorded for the
// error message a second instance prints.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil || !locked {
		if err == nil {
			err = ErrLocked
		}
		lockErr := &LockError{LockPath: path, Cause: err}
		if data, readErr := os.ReadFile(path); readErr == nil {
			lockErr.Owner = parseInfo(string(data))
		}
		slog.Error("lockfile.AcquireLock: state directory is locked", "lockPath", path, "ownerPID", lockErr.Owner.PID, "error", err)
		return nil, lockErr
	}

	// The record is rewritten only once locked so a failed attempt leaves the owner's intact.
	info := Info{PID: os.Getpid(), Started: time.Now(), Addr: addr}
	if err := os.WriteFile(path, []byte(info.encode()), 0644); err != nil {
		slog.Warn("lockfile.AcquireLock: failed to record owner", "lockPath", path, "error", err)
	}

	slog.Info("lockfile.AcquireLock: acquired state directory lock", "lockPath", path, "pid", info.PID)
	return &Lock{flock: fl, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting instance never sees our record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "lockPath", l.path, "error", err)
	}
	err := l.flock.Unlock()
	l.flock = nil
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	slog.Debug("lockfile.Release: released state directory lock", "lockPath", l.path)
	return nil
}

// LockError is returned when another process holds the state directory lock.
type LockError struct {
	LockPath string
	Owner    Info
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	b.WriteString("another Curio server is already using this state directory (lock file ")
	b.WriteString(e.LockPath)
	b.WriteString(")")
	if e.Owner.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Owner.PID) {
			state = "not running"
		}
		fmt.Fprintf(&b, "; owner pid %d (%s)", e.Owner.PID, state)
	}
	if e.Owner.Addr != "" {
		fmt.Fprintf(&b, " serving %s", e.Owner.Addr)
	}
	if !e.Owner.Started.IsZero() {
		fmt.Fprintf(&b, " since %s", e.Owner.Started.Format(time.RFC3339))
	}
	b.WriteString("; stop it or choose another --state-dir")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
