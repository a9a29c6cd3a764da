package domain

import "errors"

var (
	// ErrNotFound reports a record that genuinely does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCorruptRecord reports a record that exists but failed to decode.
	// Callers substitute an empty default so one bad record cannot take the
	// whole registry down, but the distinction stays observable.
	ErrCorruptRecord = errors.New("record is corrupt")
)
