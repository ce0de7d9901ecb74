package llm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMissingCredential is returned before any network call when no API key
// is configured.
var ErrMissingCredential = errors.New("llm: api key is not configured")

// ErrInvalidResponse is returned when the upstream answered with a success
// status but the body is not a usable completion (undecodable, or no
// choices).
var ErrInvalidResponse = errors.New("llm: invalid completion response")

// TransportError reports a network failure or a non-success HTTP status from
// the completion endpoint. StatusCode is zero for network failures.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm: upstream returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable tells the caller whether sending the same turn again later may
// succeed. Nothing in this module retries automatically.
func (e *TransportError) Retryable() bool {
	switch e.StatusCode {
	case 0, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
