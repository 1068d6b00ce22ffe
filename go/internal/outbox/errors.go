package outbox

import "errors"

var (
	ErrEventRequired     = errors.New("outbox event is required")
	ErrTxRequired        = errors.New("publish requires a transaction")
	ErrMessageNotFound   = errors.New("outbox message not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStateConflict means a conditional update matched no row because
	// another worker moved it first.
	ErrStateConflict     = errors.New("state transition conflict")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
)
