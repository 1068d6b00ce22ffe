package eventcodec

import "errors"

var (
	// ErrMalformedEvent marks an event that can never be (de)serialized. It is
	// not retried.
	ErrMalformedEvent = errors.New("malformed event")

	ErrEventClassRequired  = errors.New("event class is required")
	ErrUnknownEventClass   = errors.New("unknown event class")
	ErrDuplicateEventClass = errors.New("event class already registered")
)
