// Package coreerr classifies errors that cross subsystem boundaries into a
// small set of kinds, so callers branch on behavior instead of matching
// strings or provider-specific error codes.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind identifies how an error should be handled by a caller.
type Kind int

const (
	// Unknown is the zero value; treat like Fatal.
	Unknown Kind = iota
	// Validation errors are rejected at the boundary and never retried.
	Validation
	// RateLimited errors are retriable with backoff; some callers serve
	// stale or neutral fallback data instead of retrying.
	RateLimited
	// Transient covers network faults and confirmation timeouts that are
	// retried internally up to a configured bound.
	Transient
	// OnChainLogical covers program-level faults such as slippage
	// tolerance exceeded or a position account that is not empty.
	OnChainLogical
	// StateCorruption marks data that violates an invariant (e.g. a
	// price range outside sane bounds); never retried, closed instead.
	StateCorruption
	// Fatal errors abort the subsystem that raised them.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case OnChainLogical:
		return "on_chain_logical"
	case StateCorruption:
		return "state_corruption"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation label. Returns nil if
// err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind carried by err, walking the Unwrap chain.
// Returns Unknown if no *Error is found.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ProgramError represents a classified on-chain program fault, keyed by
// its numeric code rather than matched against log text.
type ProgramError struct {
	Code int
	Name string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program error %d (%s)", e.Code, e.Name)
}

// Known on-chain program error codes.
const (
	CodeExceededBinSlippageTolerance = 6001
	CodeNonEmptyPosition             = 6030
)

// ErrExceededBinSlippageTolerance is raised when a position-creation
// transaction cannot be confirmed within the requested bin slippage.
var ErrExceededBinSlippageTolerance = &ProgramError{Code: CodeExceededBinSlippageTolerance, Name: "ExceededBinSlippageTolerance"}

// ErrNonEmptyPosition is raised when closing a position account that
// still holds liquidity or unclaimed rewards.
var ErrNonEmptyPosition = &ProgramError{Code: CodeNonEmptyPosition, Name: "NonEmptyPosition"}

// AsProgramError extracts a *ProgramError from err, if present.
func AsProgramError(err error) (*ProgramError, bool) {
	var pe *ProgramError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
