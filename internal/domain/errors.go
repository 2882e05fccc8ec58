package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrOrderRejected       = errors.New("order rejected")
	ErrOrderTimeout        = errors.New("order timed out")
	ErrAtomicityViolation  = errors.New("atomicity violation")
	ErrRecoveryExhausted   = errors.New("recovery attempts exhausted")
	ErrPositionNotFound    = errors.New("position not found")
	ErrApprovalRequired    = errors.New("manual approval required")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)
