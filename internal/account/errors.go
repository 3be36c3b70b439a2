package account

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested account does not exist.
var ErrNotFound = errors.New("account not found")

// ErrPoolExhausted signals that no eligible account is available anywhere.
// It is the expected empty-pool condition, not a fault; callers own backoff.
var ErrPoolExhausted = errors.New("account pool exhausted")

// ErrShadowBanned is the detected-fault signal raised when the quarantine
// detector trips. The in-flight scan task should abandon cleanly and the
// account must be hibernated under ReasonShadowBanned.
var ErrShadowBanned = errors.New("account is shadow banned")

// ErrStoreUnavailable wraps transient store I/O failures. The pool layer
// never retries these silently; they are logged and surfaced to the caller.
var ErrStoreUnavailable = errors.New("account store unavailable")

// MalformedRecordError reports one bad row in a source credential list.
// It is fatal for that record only; imports continue past it.
type MalformedRecordError struct {
	Line   int
	Raw    string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed account record on line %d (%s): %q", e.Line, e.Reason, e.Raw)
}
