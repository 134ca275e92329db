package service

import "errors"

var (
	// ErrInvariantViolation means an operation would break a uniqueness
	// or single-active-instance rule and was refused.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidTransition means the requested status change is not in
	// the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDraining means the service is shutting down and refuses new
	// provisioning work.
	ErrDraining = errors.New("service is draining")
)
