package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/goccy/go-json"
)

// ErrLockHeld is returned when another live process owns the lock.
var ErrLockHeld = errors.New("lock already held")

type Lock struct {
	path string
}

type info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Acquire takes an exclusive file lock at path. Creation uses O_EXCL so
// two processes racing for the same lock cannot both win. A leftover
// lock whose owner is no longer running is taken over; a lock written
// by another host is never touched because its owner cannot be probed.
func Acquire(path string) (*Lock, error) {
	l, err := tryCreate(path)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, err
	}

	hostname, _ := os.Hostname()
	holder, readErr := readInfo(path)
	if readErr == nil {
		if holder.Hostname != hostname {
			return nil, fmt.Errorf("%w by pid %d on %s since %s",
				ErrLockHeld, holder.PID, holder.Hostname, holder.AcquiredAt.Format(time.RFC3339))
		}
		if processAlive(holder.PID) {
			return nil, fmt.Errorf("%w by pid %d since %s",
				ErrLockHeld, holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		}
	}

	// Stale or unreadable: claim it and retry once. O_EXCL arbitrates
	// if another process races the takeover.
	if err := claimStale(path, holder); err != nil {
		return nil, err
	}
	l, err = tryCreate(path)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	return l, nil
}

// claimStale takes a lock judged stale out of the way by renaming it
// aside. Renaming instead of removing keeps two processes that both
// observed the same dead pid from deleting each other's fresh lock:
// the loser either finds the path gone or renames content it never
// validated and has to put it back. observed is nil when the stale
// file was unreadable.
func claimStale(path string, observed *info) error {
	tmp := fmt.Sprintf("%s.stale-%d", path, os.Getpid())
	if err := os.Rename(path, tmp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Someone else already claimed it; O_EXCL decides next.
			return nil
		}
		return fmt.Errorf("claim stale lock: %w", err)
	}

	claimed, err := readInfo(tmp)
	if err == nil && (observed == nil ||
		claimed.PID != observed.PID ||
		!claimed.AcquiredAt.Equal(observed.AcquiredAt)) {
		// The file changed between the stale read and the claim, so a
		// live owner wrote it. Put it back and stand down.
		if renameErr := os.Rename(tmp, path); renameErr != nil {
			return fmt.Errorf("restore contested lock: %w", renameErr)
		}
		return fmt.Errorf("%w by pid %d since %s",
			ErrLockHeld, claimed.PID, claimed.AcquiredAt.Format(time.RFC3339))
	}

	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

// Release removes the lock file. Releasing an already-removed lock is
// not an error.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func tryCreate(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	data, err := json.Marshal(info{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	})
	if err == nil {
		_, err = f.Write(data)
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

func readInfo(path string) (*info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var i info
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	if i.PID <= 0 {
		return nil, errors.New("lock file has no pid")
	}
	return &i, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
