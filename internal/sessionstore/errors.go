package sessionstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no bundle was ever saved for the user (or it was
	// invalidated). It is an expected outcome of Restore, not a failure.
	ErrNotFound = errors.New("session bundle not found")

	ErrNothingToSave    = errors.New("session directory is empty")
	ErrIncompleteBundle = errors.New("session bundle is missing required entries")
	ErrCorrupt          = errors.New("session bundle is corrupt")
)

// Error reports a failed store operation for one user.
type Error struct {
	Op     string
	UserID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session store: %s %q: %v", e.Op, e.UserID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, userID string, err error) error {
	return &Error{Op: op, UserID: userID, Err: err}
}
