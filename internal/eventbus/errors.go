package eventbus

import "errors"

var (
	// ErrUnavailable wraps broker-side failures of publish or consume
	// operations. Callers may retry.
	ErrUnavailable = errors.New("event bus unavailable")

	// ErrMalformedEnvelope reports a record whose body could not be
	// decoded into an envelope. Redelivery cannot fix it.
	ErrMalformedEnvelope = errors.New("malformed event envelope")
)
