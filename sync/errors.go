package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrDocRegistered is returned when registering a document id that is
	// already active on the endpoint.
	ErrDocRegistered = errors.New("document already registered")
	// ErrDocClosed is returned by operations on an unregistered document.
	ErrDocClosed = errors.New("document closed")
	// ErrTooManySessions is returned when the configured concurrent
	// session bound is reached.
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrPayloadTooLarge is returned for envelopes above the configured
	// payload limit, before any body bytes are read.
	ErrPayloadTooLarge = errors.New("payload exceeds limit")
	// ErrMalformedPayload is returned for truncated or corrupted
	// envelopes, before the engine sees any bytes.
	ErrMalformedPayload = errors.New("malformed payload")
)

// DocMismatchError reports a routing tag disagreement. It carries both tags
// so a misconfigured peer can be diagnosed without reproducing the network
// conditions. No state is exchanged once it is raised.
type DocMismatchError struct {
	DocID    string
	Expected string
	Received string
}

func (e *DocMismatchError) Error() string {
	return fmt.Sprintf("document %q: routing tag mismatch: expected %q, received %q", e.DocID, e.Expected, e.Received)
}

func (*DocMismatchError) Is(target error) bool {
	_, ok := target.(*DocMismatchError)
	return ok
}
