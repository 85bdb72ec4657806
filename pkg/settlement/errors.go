// Package settlement holds the error taxonomy shared by the escrow engine and the
// budget ledger.
//
// Every failure is reported as a *Error whose Kind is one of the sentinel values
// below, so callers branch with errors.Is:
//
//	if errors.Is(err, settlement.ErrConditionNotSatisfied) {
//		// retry release later
//	}
//
// An operation that returns an error has made no mutation, no transfer and
// emitted no event.
package settlement

import (
	"errors"
	"fmt"
)

var (
	ErrAuthorization         = errors.New("not authorized")
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrConditionNotSatisfied = errors.New("condition not satisfied")
	ErrConditionSatisfied    = errors.New("condition satisfied")
	ErrConditionUnavailable  = errors.New("condition evaluation failed")
	ErrDeadline              = errors.New("deadline violation")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrLimitExceeded         = errors.New("spend limit exceeded")
	ErrFrozen                = errors.New("frozen")
	ErrTargetNotAllowed      = errors.New("target not allowed")
	ErrModuleNotApproved     = errors.New("condition module not approved")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrTransferFailed        = errors.New("transfer failed")
)

// ErrReentrant is returned when an operation reaches an entity whose transfer
// window is still open. It is also an ErrInvalidState.
var ErrReentrant = fmt.Errorf("%w: transfer in progress", ErrInvalidState)

// Error is a classified failure of one public operation.
type Error struct {
	Op     string // e.g. "escrow.release"
	Kind   error  // one of the sentinel kinds above
	Detail string
	Err    error // underlying infrastructure error, if any
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds a classified error.
func E(op string, kind error, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the sentinel kind carried by err, or nil when err is not a
// classified settlement error.
func KindOf(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}
