package errors

import "errors"

var (
	ErrTimeout = errors.New("fairlock: timeout")

	// ErrConnection reports that the coordination session never became
	// usable before the caller's deadline. The lock was never acquired.
	ErrConnection = errors.New("fairlock: session not connected")

	// ErrLockLost reports that the contender node vanished without a
	// release, either while waiting or while holding the lock.
	ErrLockLost = errors.New("fairlock: lock lost")

	// ErrInvariant marks a protocol state that a correct coordination
	// service never produces, such as a freshly created node missing from
	// its parent's child list.
	ErrInvariant = errors.New("fairlock: protocol invariant violated")
)
