package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// lockInfo is written into a lock file so a stuck lock can be diagnosed
// and, past the staleness horizon, reclaimed.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockTimeoutError reports that an exclusive record lock could not be
// acquired within the configured window.
type LockTimeoutError struct {
	Path string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for lock %s", e.Path)
}

// acquireLock takes an exclusive lock via O_CREATE|O_EXCL on path.
// Competing processes spin with backoff until timeout. A lock older than
// stale is treated as abandoned by a crashed process and reclaimed.
func acquireLock(path string, timeout, stale time.Duration) (release func(), err error) {
	deadline := time.Now().Add(timeout)
	backoff := 5 * time.Millisecond

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			data, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
			_, _ = f.Write(data)
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
		}

		if reclaimIfStale(path, stale) {
			continue
		}

		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Path: path}
		}
		time.Sleep(backoff)
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

// reclaimIfStale removes the lock file when its holder has exceeded the
// staleness horizon. Returns true if the caller should retry immediately.
func reclaimIfStale(path string, stale time.Duration) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Holder released between our open and read; retry.
		return os.IsNotExist(err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.AcquiredAt.IsZero() {
		// Unreadable lock: fall back to file mtime.
		fi, statErr := os.Stat(path)
		if statErr != nil {
			return os.IsNotExist(statErr)
		}
		if time.Since(fi.ModTime()) > stale {
			_ = os.Remove(path)
			return true
		}
		return false
	}

	if time.Since(info.AcquiredAt) > stale {
		_ = os.Remove(path)
		return true
	}
	return false
}
