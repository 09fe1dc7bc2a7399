package app

import "errors"

var (
	// ErrImbalancedEntry is returned when journal lines do not sum to zero.
	ErrImbalancedEntry = errors.New("journal lines must sum to zero")
	// ErrTooFewLines is returned when an entry carries fewer than two lines.
	ErrTooFewLines = errors.New("journal entry requires at least two lines")
	// ErrUnknownAccount is returned when a line references a missing account.
	ErrUnknownAccount = errors.New("journal line references unknown account")
	// ErrInvalidAmount is returned for non-positive operation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrChallengeInactive is returned for operations on a completed challenge.
	ErrChallengeInactive = errors.New("challenge is not active")
	// ErrKindMismatch is returned when an operation targets the wrong challenge kind.
	ErrKindMismatch = errors.New("operation does not match challenge kind")
	// ErrPoolExhausted is returned when a draw is attempted on an empty pool.
	ErrPoolExhausted = errors.New("draw pool is exhausted")
	// ErrMalformedRules is returned when the rules variant does not match the kind.
	ErrMalformedRules = errors.New("challenge rules do not match kind")
)
