package repack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// lockFileName lives in the store root while a repack runs. Creation is
// O_EXCL, so the file itself is the mutual exclusion.
const lockFileName = "repacklock"

// lockInfo identifies the holder, so contention can be reported and a
// dead holder's lock can be broken.
type lockInfo struct {
	Hostname  string    `msgpack:"hostname"`
	PID       int       `msgpack:"pid"`
	RunID     string    `msgpack:"run_id"`
	Timestamp time.Time `msgpack:"timestamp"`
}

// AlreadyRunningError reports that another repack holds the store lock.
// Holder fields are zero when the lock file could not be read.
type AlreadyRunningError struct {
	Hostname string
	PID      int
	Since    time.Time
}

func (e *AlreadyRunningError) Error() string {
	if e.Hostname == "" {
		return "another repack is already running"
	}
	return fmt.Sprintf("another repack is already running (host %s, pid %d, since %s)",
		e.Hostname, e.PID, e.Since.Format(time.RFC3339))
}

// Lock is a held repack lock.
type Lock struct {
	path string
}

// AcquireLock takes the store's repack lock without queueing. A conflicting
// lock is broken only when its holder is provably dead: same hostname and a
// PID that no longer exists. Every other conflict, including a lock file we
// cannot parse, fails with *AlreadyRunningError.
func AcquireLock(root, runID string) (*Lock, error) {
	path := filepath.Join(root, lockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		err := writeLockFile(path, runID)
		if err == nil {
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		holder, err := readLockInfo(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Released between our attempt and the read.
				continue
			}
			return nil, &AlreadyRunningError{}
		}
		if !holderDead(holder) {
			return nil, &AlreadyRunningError{
				Hostname: holder.Hostname,
				PID:      holder.PID,
				Since:    holder.Timestamp,
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("break stale repack lock: %w", err)
		}
	}
	return nil, &AlreadyRunningError{}
}

// Release removes the lock file. A file already gone is not an error, so
// concurrent cleanup stays safe.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release repack lock: %w", err)
	}
	return nil
}

func writeLockFile(path, runID string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	info := lockInfo{
		Hostname:  hostname,
		PID:       os.Getpid(),
		RunID:     runID,
		Timestamp: time.Now(),
	}
	if err := msgpack.NewEncoder(f).Encode(&info); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write repack lock: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("write repack lock: %w", err)
	}
	return nil
}

func readLockInfo(path string) (lockInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}
	var info lockInfo
	if err := msgpack.Unmarshal(raw, &info); err != nil {
		return lockInfo{}, fmt.Errorf("parse repack lock: %w", err)
	}
	return info, nil
}

// holderDead reports whether the lock's holder is provably dead. Proof
// requires the holder to be on this host with a PID that no longer exists;
// anything uncertain counts as alive.
func holderDead(info lockInfo) bool {
	hostname, err := os.Hostname()
	if err != nil || info.Hostname == "" || info.Hostname != hostname {
		return false
	}
	if info.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
