// Package locker provides advisory flock(2) based exclusion between
// processes. Locks are released by the kernel when the holder exits.
package locker

import (
	"errors"
	"fmt"
	"os"

	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"golang.org/x/sys/unix"
)

// Locker holds an exclusive lock on a single file.
type Locker struct {
	path string
	f    *os.File
}

// New returns an unlocked Locker for path. The file is created on first use.
func New(path string) *Locker {
	return &Locker{path: path}
}

// Path returns the lock file path.
func (l *Locker) Path() string {
	return l.path
}

func (l *Locker) open() error {
	if l.f != nil {
		return errors.New("lock already held")
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return apperrors.LockError(l.path, err)
	}
	l.f = f
	return nil
}

// Lock blocks until the exclusive lock is acquired.
func (l *Locker) Lock() error {
	if err := l.open(); err != nil {
		return err
	}
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		l.closeFile()
		return apperrors.LockError(l.path, err)
	}
}

// TryLock attempts the exclusive lock without waiting. It returns false
// when another process holds it.
func (l *Locker) TryLock() (bool, error) {
	if err := l.open(); err != nil {
		return false, err
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	l.closeFile()
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, apperrors.LockError(l.path, err)
}

// Unlock releases the lock and closes the file. Calling it on an unlocked
// Locker is a no-op.
func (l *Locker) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.closeFile()
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return nil
}

func (l *Locker) closeFile() {
	_ = l.f.Close()
	l.f = nil
}

// WithLock runs fn while holding the lock on path, waiting if necessary.
func WithLock(path string, fn func() error) (err error) {
	l := New(path)
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

// TryWithLock runs fn only if the lock on path is free. The bool reports
// whether fn ran.
func TryWithLock(path string, fn func() error) (ran bool, err error) {
	l := New(path)
	ok, err := l.TryLock()
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if uerr := l.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return true, fn()
}
