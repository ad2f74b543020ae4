package webhook

import "errors"

var (
	// ErrInvalidSignature covers a missing secret, a missing or unparsable header and a mismatch.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload marks a verified payload that cannot be decoded or mapped to a ledger effect.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrHandlerPanic wraps a panic recovered while dispatching an event.
	ErrHandlerPanic = errors.New("webhook handler panic")
	// ErrInvalidEngineConfig reports a missing engine dependency.
	ErrInvalidEngineConfig = errors.New("invalid webhook engine configuration")
)
