package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFileName is the lock file inside the data directory.
const LockFileName = "scripthost.lock"

// ErrLocked is returned when another live manager owns the data directory.
var ErrLocked = errors.New("data directory is locked by another process")

// Lock is an acquired data-directory lock.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path string
	log  *slog.Logger
}

// AcquireLock takes the data-directory lock. A lock left by a dead process
// is replaced.
func AcquireLock(dataDir string, log *slog.Logger) (*Lock, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, LockFileName)

	if held, err := ReadLock(path); err == nil {
		if held.PID != os.Getpid() && pidAlive(held.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrLocked, held.PID, held.Hostname)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		log.Warn("stale lock removed", "path", path, "old_pid", held.PID)
	} else if !errors.Is(err, os.ErrNotExist) {
		// unparsable lock: nobody can prove ownership
		_ = os.Remove(path)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	l := &Lock{PID: os.Getpid(), Hostname: host, StartedAt: time.Now(), path: path, log: log}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	log.Debug("data dir lock acquired", "path", path, "pid", l.PID)
	return l, nil
}

// Release removes the lock if this process still owns it. Safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	held, err := ReadLock(l.path)
	if err != nil || held.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.log.Debug("data dir lock released", "path", l.path)
	return nil
}

// ReadLock parses a lock file.
func ReadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	l.path = path
	return &l, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
