// Package lock provides scoped, re-entrant, cross-process exclusive locks
// keyed by the directory being mutated. The locking backend is a capability
// selected by configuration: a real flock-based implementation for shared
// caches and prefixes, and a no-op for callers that manage exclusion
// themselves.
package lock

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// LockFileName is the lock file created inside each locked directory.
const LockFileName = ".conda-rpms.lock"

// Locker serializes mutations of a directory across processes. Acquire
// blocks until the lock is held and returns a release function that must be
// called on every exit path. Acquiring the same directory again from the
// same Locker is re-entrant.
type Locker interface {
	Acquire(dir string) (release func(), err error)
}

type heldLock struct {
	fl    *flock.Flock
	count int
}

type flockLocker struct {
	mu   sync.Mutex
	held map[string]*heldLock
}

// NewFlock returns a Locker backed by advisory file locks, safe across
// processes sharing a package cache or prefix.
func NewFlock() Locker {
	return &flockLocker{held: make(map[string]*heldLock)}
}

func (l *flockLocker) Acquire(dir string) (func(), error) {
	logger := logging.GetLogger("lock")

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrLockFailed, "cannot resolve %s", dir)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrLockFailed, "cannot create %s", abs)
	}

	l.mu.Lock()
	if h, ok := l.held[abs]; ok {
		h.count++
		l.mu.Unlock()
		return func() { l.release(abs) }, nil
	}
	l.mu.Unlock()

	fl := flock.New(filepath.Join(abs, LockFileName))
	logger.Debug().Str("dir", abs).Msg("acquiring lock")
	if err := fl.Lock(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrLockFailed, "cannot lock %s", abs)
	}

	l.mu.Lock()
	l.held[abs] = &heldLock{fl: fl, count: 1}
	l.mu.Unlock()

	return func() { l.release(abs) }, nil
}

func (l *flockLocker) release(abs string) {
	logger := logging.GetLogger("lock")

	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.held[abs]
	if !ok {
		return
	}
	h.count--
	if h.count > 0 {
		return
	}
	delete(l.held, abs)
	if err := h.fl.Unlock(); err != nil {
		logger.Warn().Err(err).Str("dir", abs).Msg("failed to release lock")
	}
}

type noopLocker struct{}

// NewNoop returns a Locker that grants every acquisition immediately.
func NewNoop() Locker {
	return noopLocker{}
}

func (noopLocker) Acquire(string) (func(), error) {
	return func() {}, nil
}
