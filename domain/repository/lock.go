package repository

import "context"

// ILocker serializes writers of one account's state.
type ILocker interface {
	// Acquire takes the lock or fails with lock.ErrLocked when another holder has it.
	// The returned release function must be called once the critical section ends.
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}
