package usage

import (
	"context"
	"time"
)

// WithProjectLock runs fn while holding the project's collection lock. The lock
// is released on every exit path, including panics and fn errors. Release uses
// a context detached from ctx so that a cancelled cycle still frees its lock.
// ErrLockHeld is returned untouched when another owner holds the lock.
func WithProjectLock(ctx context.Context, locker ProjectLocker, projectID, owner string, now time.Time, releaseTimeout time.Duration, fn func(ctx context.Context) error) (err error) {
	if _, err := locker.AcquireProjectLock(ctx, projectID, owner, now); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if releaseErr := locker.ReleaseProjectLock(releaseCtx, projectID, owner); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(ctx)
}
