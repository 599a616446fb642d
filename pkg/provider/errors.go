package provider

import (
	"errors"
	"fmt"
)

// The provider error taxonomy. Every error a Registry returns matches
// exactly one of these with errors.Is.
var (
	ErrTimeout         = errors.New("provider: timeout")
	ErrUnavailable     = errors.New("provider: unavailable")
	ErrInvalidResponse = errors.New("provider: invalid response")
)

// ProviderError records which provider failed for which facet, and how.
type ProviderError struct {
	Provider string
	Facet    string
	// Kind is one of ErrTimeout, ErrUnavailable or ErrInvalidResponse.
	Kind  error
	Cause error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v (provider %q, facet %q): %v", e.Kind, e.Provider, e.Facet, e.Cause)
	}
	return fmt.Sprintf("%v (provider %q, facet %q)", e.Kind, e.Provider, e.Facet)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ProviderError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Retryable reports whether another attempt within the same call could succeed.
func Retryable(err error) bool {
	return !errors.Is(err, ErrInvalidResponse)
}

// classify maps an arbitrary fetcher error onto the taxonomy.
func classify(req Request, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	kind := ErrUnavailable
	switch {
	case errors.Is(err, ErrTimeout):
		kind = ErrTimeout
	case errors.Is(err, ErrInvalidResponse):
		kind = ErrInvalidResponse
	}
	return &ProviderError{Provider: req.Provider, Facet: req.Facet, Kind: kind, Cause: err}
}
