package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/obox-cloud/obox/lock"
)

const defaultRetryDelay = 100 * time.Millisecond

// compile-time interface check.
var _ lock.Locker = (*Lock)(nil)

// Lock is an advisory file lock usable both inside one process and across
// processes sharing the same lock file.
//
// A size-1 channel holds the in-process token so Lock can honour ctx and
// TryLock never blocks. The flock(2) fd is opened fresh for every
// acquisition and kept only while held.
type Lock struct {
	path       string
	retryDelay time.Duration
	ch         chan struct{}
	// fl is the active flock fd, non-nil while the lock is held.
	fl *flock.Flock
}

// Option customises a Lock.
type Option func(*Lock)

// WithRetryDelay sets how often a blocked Lock re-polls the file lock.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Lock) { l.retryDelay = d }
}

// New creates a Lock for the given path. The parent directory is created
// on first acquisition.
func New(path string, opts ...Option) *Lock {
	l := &Lock{path: path, retryDelay: defaultRetryDelay, ch: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Lock acquires the lock, blocking until available or ctx is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.commit(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, l.retryDelay)
	})
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire flock %s: %w", l.path, ctx.Err())
	}
	return nil
}

// TryLock attempts a non-blocking acquisition.
// Returns (false, nil) if the lock is currently held by another caller.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.ch <- struct{}{}:
	default:
		return false, nil
	}
	return l.commit(func(fl *flock.Flock) (bool, error) {
		return fl.TryLock()
	})
}

// Unlock releases the lock.
func (l *Lock) Unlock(_ context.Context) error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}

// commit runs acquire on a fresh fd. On success the fd is kept; on failure
// the channel token is handed back so Lock/TryLock and Unlock stay paired.
func (l *Lock) commit(acquire func(*flock.Flock) (bool, error)) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		<-l.ch
		return false, err
	}
	fl := flock.New(l.path)
	locked, err := acquire(fl)
	if err != nil || !locked {
		<-l.ch
		return false, err
	}
	l.fl = fl
	return true, nil
}
