package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrReconciliationMismatch means the persisted snapshot disagrees with
	// exchange-reported truth on boot. New actions are halted and the
	// discrepancy is surfaced for manual review; it is never silently
	// overwritten.
	ErrReconciliationMismatch = errors.New("persisted state disagrees with exchange truth")
)

// RejectReason is a specific risk-gate veto code, so the control loop can log
// and skip without blindly retrying the same action.
type RejectReason string

const (
	RejectLeverageTier       RejectReason = "leverage_tier_not_allowed"
	RejectInstrumentExposure RejectReason = "instrument_exposure_exceeded"
	RejectAggregateExposure  RejectReason = "aggregate_exposure_exceeded"
	RejectMaxPositions       RejectReason = "max_concurrent_positions"
	RejectInsufficientMargin RejectReason = "insufficient_margin"
	RejectMalformedLevels    RejectReason = "malformed_exit_levels"
	RejectRiskReward         RejectReason = "risk_reward_below_minimum"
	RejectCooldown           RejectReason = "trade_cooldown_active"
	RejectBreakerTripped     RejectReason = "circuit_breaker_tripped"
	RejectStaleData          RejectReason = "market_data_stale"
)

// RejectionError is a risk-engine veto. It is local and final for the action
// that produced it: the same action is not retried.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("action rejected: %s", e.Reason)
	}
	return fmt.Sprintf("action rejected: %s: %s", e.Reason, e.Detail)
}

// Reject builds a RejectionError with formatted detail.
func Reject(reason RejectReason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// TransientError marks a network or timeout failure that is safe to retry
// with bounded backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalSubmissionError means the retry budget was exhausted while a PENDING
// state was open. The real-world position is unknown, so the loop halts and
// an operator alert is raised; automatic continuation is unsafe.
type FatalSubmissionError struct {
	Instrument string
	Token      string
	Attempts   int
	Err        error
}

func (e *FatalSubmissionError) Error() string {
	return fmt.Sprintf("fatal submission failure on %s after %d attempts (token %s): %v",
		e.Instrument, e.Attempts, e.Token, e.Err)
}

func (e *FatalSubmissionError) Unwrap() error { return e.Err }
