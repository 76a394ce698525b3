package market

import (
	"errors"
	"fmt"
)

// ClientError is a non-retriable marketplace response: any 4xx, or a 5xx
// that survived retry exhaustion.
type ClientError struct {
	Status int
	Op     string
	Body   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// TransportError is an I/O-level failure (timeout, abort, network) that was
// retried to exhaustion before surfacing.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsClientError reports whether err is a 4xx-class marketplace rejection.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Status >= 400 && ce.Status < 500
}

// IsTransient reports whether err was a transport-level fault.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
