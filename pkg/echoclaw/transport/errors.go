package transport

import (
	"errors"
	"fmt"
	"time"
)

// Severity tells the scheduler how to treat a failed action.
type Severity int

const (
	// Hard errors abort the remaining actions of a batch.
	Hard Severity = iota
	// Soft errors skip one action; the batch goes on.
	Soft
)

func (s Severity) String() string {
	if s == Soft {
		return "soft"
	}
	return "hard"
}

// Error is a classified transport failure.
type Error struct {
	Op       string
	Severity Severity
	Reason   string

	// RetryAfter is set when the platform asked us to slow down.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (%s)", e.Op, e.Reason, e.Severity)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// SoftError wraps err as a skip-worthy failure of op.
func SoftError(op, reason string, err error) error {
	return &Error{Op: op, Severity: Soft, Reason: reason, Err: err}
}

// HardError wraps err as a batch-aborting failure of op.
func HardError(op, reason string, err error) error {
	return &Error{Op: op, Severity: Hard, Reason: reason, Err: err}
}

// IsSoft reports whether err is a soft transport error. Unclassified errors
// are hard.
func IsSoft(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Severity == Soft
	}
	return errors.Is(err, ErrStickerUnavailable) || errors.Is(err, ErrUnknownMessage) ||
		errors.Is(err, ErrReactionUnsupported)
}
