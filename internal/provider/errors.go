package provider

import "errors"

// ErrCursorExpired reports that a sync cursor is no longer usable and the
// caller must refetch the full window with a cleared cursor.
var ErrCursorExpired = errors.New("sync cursor expired")

// TransientError marks a failure worth retrying: rate limits, timeouts,
// 5xx-class upstream trouble.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient provider error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure retries cannot fix: revoked credentials,
// missing calendars, rejected payloads.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "provider error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err should not be retried. Unclassified errors
// count as fatal so that a sloppy adapter cannot cause a retry storm.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !IsTransient(err) && !errors.Is(err, ErrCursorExpired)
}
