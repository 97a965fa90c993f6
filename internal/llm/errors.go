package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChoices reports a response whose choices array is absent or empty.
	ErrNoChoices = errors.New("llm response contains no choices")

	// ErrNoCompatibleBackend reports a multimodal request against a pool with
	// no multimodal-capable backend.
	ErrNoCompatibleBackend = errors.New("no compatible backend for multimodal input")

	// ErrNoBackends reports a client constructed with an empty backend pool.
	ErrNoBackends = errors.New("llm client requires at least one backend")
)

// TransportError reports an HTTP-level failure against an LLM backend.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm request failed with status %d: %s", e.Status, e.Body)
}

// retryable reports whether a failed attempt is worth retrying: network
// errors and 5xx or 429 responses are; other HTTP statuses are not.
func retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status >= 500 || te.Status == 429
	}
	return true
}
