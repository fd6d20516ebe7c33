package lock

import (
	"errors"
	"fmt"

	ferrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

// ErrInvalidResource is returned for resource names that cannot form a
// clean node path.
var ErrInvalidResource = errors.New("lock: invalid resource name")

// LostError reports a contender node that disappeared without a release.
// It matches ferrors.ErrLockLost with errors.Is.
type LostError struct {
	Resource string
	Path     string
	// WasHeld tells a lock lost after acquisition from one lost while
	// still queued.
	WasHeld bool
	Err     error
}

func (e *LostError) Error() string {
	phase := "waiting"
	if e.WasHeld {
		phase = "held"
	}
	msg := fmt.Sprintf("%s: %s (%s)", ferrors.ErrLockLost, e.Resource, phase)
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LostError) Is(target error) bool { return target == ferrors.ErrLockLost }

func (e *LostError) Unwrap() error { return e.Err }

func (e *LostError) phase() string {
	if e.WasHeld {
		return "holding"
	}
	return "waiting"
}
