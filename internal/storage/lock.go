package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file inside a session directory.
const LockFileName = ".session-lock"

// SessionLock is the lock file format a bluelamp process writes into a
// session directory while it owns the session. A second process resuming
// the same session refuses to start while the lock holder is alive.
type SessionLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// AcquireSessionLock writes a lock for this process into sessionDir and
// returns its path. A lock left by a dead process is overwritten.
func AcquireSessionLock(sessionDir, version string) (lockPath string, err error) {
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	lockPath = filepath.Join(sessionDir, LockFileName)

	if existing, err := ReadSessionLock(sessionDir); err == nil {
		if existing.PID != os.Getpid() && existing.held() {
			return "", fmt.Errorf("session is already open in another process (PID %d on %s, started %s)",
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := SessionLock{
		Holder:    "bluelamp",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create session lock: %w", err)
	}
	return lockPath, nil
}

// ReadSessionLock returns the lock currently recorded in sessionDir.
func ReadSessionLock(sessionDir string) (*SessionLock, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, LockFileName))
	if err != nil {
		return nil, err
	}
	var lock SessionLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse session lock: %w", err)
	}
	return &lock, nil
}

// IsSessionLocked reports whether a live process holds sessionDir.
func IsSessionLocked(sessionDir string) bool {
	lock, err := ReadSessionLock(sessionDir)
	if err != nil {
		return false
	}
	return lock.held()
}

// ReleaseSessionLock removes the lock file written by AcquireSessionLock.
func ReleaseSessionLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session lock: %w", err)
	}
	return nil
}

// held reports whether the process that wrote l may still be running.
// Locks written on another host are treated as held.
func (l *SessionLock) held() bool {
	host, err := os.Hostname()
	if err != nil || !strings.EqualFold(l.Hostname, host) {
		return true
	}
	proc, err := os.FindProcess(l.PID)
	if err != nil {
		return false
	}
	// Signal 0 probes without delivering; EPERM means someone else's process.
	switch err := proc.Signal(syscall.Signal(0)); {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true
	}
	return false
}
