package models

import "errors"

// Dispatch error taxonomy. Callers match with errors.Is; wrapped
// variants carry operation context.
var (
	ErrInvalidRider        = errors.New("invalid rider identity")
	ErrLocationRequired    = errors.New("rider location required")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderAlreadyTaken   = errors.New("order already taken")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrPinMismatch         = errors.New("pin mismatch")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
