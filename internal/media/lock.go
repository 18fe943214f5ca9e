package media

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// Lock serialises every mutation of the index and of the media files it
// tracks. The in-process half orders the scanner and file tools; the file
// half keeps two mediamcp processes sharing a database from interleaving.
type Lock struct {
	sem  chan struct{}
	file *flock.Flock
}

// NewLock returns a Lock. An empty path disables the cross-process half.
func NewLock(path string) *Lock {
	l := &Lock{sem: make(chan struct{}, 1)}
	if path != "" {
		l.file = flock.New(path)
	}
	return l
}

// Do runs fn while holding the lock. Waiting honours ctx; fn itself is not
// interrupted once started.
func (l *Lock) Do(ctx context.Context, fn func() error) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for index lock: %w", ctx.Err())
	}
	defer func() { <-l.sem }()

	if l.file != nil {
		ok, err := l.file.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil {
			return fmt.Errorf("waiting for index file lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("index file lock %s is held by another process", l.file.Path())
		}
		defer l.file.Unlock()
	}
	return fn()
}
