// Package keyed hands out one advisory lock per key, backed by a lock file
// per key under a shared directory.
package keyed

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/obox-cloud/obox/lock"
	"github.com/obox-cloud/obox/lock/flock"
)

// Locks maps keys to long-lived lock instances so that every goroutine in
// this process contends on the same in-process token for a key.
type Locks struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*flock.Lock
}

// New creates a registry storing lock files under dir.
func New(dir string) *Locks {
	return &Locks{dir: dir, locks: make(map[string]*flock.Lock)}
}

// For returns the lock for key.
func (k *Locks) For(key string) lock.Locker {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = flock.New(filepath.Join(k.dir, key+".lock"))
		k.locks[key] = l
	}
	return l
}

// Forget drops key and removes its lock file. It is meant for keys that will
// not be locked again, such as the ID of a deleted record; a caller still
// holding the old lock keeps it until Unlock.
func (k *Locks) Forget(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.locks, key)
	if err := os.Remove(filepath.Join(k.dir, key+".lock")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Len reports how many keys are currently tracked.
func (k *Locks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
