package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrProviderUnavailable = errors.New("market state provider unavailable")
	ErrNonViable           = errors.New("opportunity not viable")
	ErrInvalidOpportunity  = errors.New("invalid opportunity")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrInvalidPlan         = errors.New("invalid operation plan")
	ErrPlanMissingRepay    = errors.New("operation plan has no repay step")
	ErrClaimHeld           = errors.New("opportunity already claimed")
	ErrLockHeld            = errors.New("lock already held")
	ErrLockLost            = errors.New("lock lease lost")
	ErrLedgerConflict      = errors.New("settlement already recorded")
	ErrAmbiguousSettlement = errors.New("ambiguous settlement: borrow state unknown")
	ErrTradingHalted       = errors.New("trading halted by loss limit")
	ErrSigningFailed       = errors.New("signing failed")
	ErrWSDisconnect        = errors.New("websocket disconnected")
)

// SubmissionKind classifies a bundle submission failure.
type SubmissionKind string

const (
	// SubmissionTransient covers network errors, timeouts and temporary venue
	// outages. Retried with backoff.
	SubmissionTransient SubmissionKind = "transient"
	// SubmissionStale means the opportunity is gone: price moved, position
	// already liquidated, nonce conflict, simulated revert.
	SubmissionStale SubmissionKind = "stale"
	// SubmissionMalformed is a construction defect upstream. Never retried.
	SubmissionMalformed SubmissionKind = "malformed"
	// SubmissionAmbiguous means the submitter cannot tell whether the bundle
	// landed.
	SubmissionAmbiguous SubmissionKind = "ambiguous"
)

// SubmissionError is returned by SignerSubmitter implementations.
type SubmissionError struct {
	Kind SubmissionKind
	Op   string
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submission %s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("submission %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// NewSubmissionError wraps err with a classification.
func NewSubmissionError(kind SubmissionKind, op string, err error) *SubmissionError {
	return &SubmissionError{Kind: kind, Op: op, Err: err}
}

// SubmissionKindOf returns the classification of err, or "" when err is not
// a SubmissionError.
func SubmissionKindOf(err error) SubmissionKind {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func IsTransient(err error) bool { return SubmissionKindOf(err) == SubmissionTransient }
func IsStale(err error) bool     { return SubmissionKindOf(err) == SubmissionStale }
func IsMalformed(err error) bool { return SubmissionKindOf(err) == SubmissionMalformed }
func IsAmbiguous(err error) bool { return SubmissionKindOf(err) == SubmissionAmbiguous }
