package history

import "errors"

var (
	// ErrInvalidProvider is returned when a record or query names no provider.
	ErrInvalidProvider = errors.New("history: provider is required")

	// ErrInvalidState is returned when a record has an empty state.
	ErrInvalidState = errors.New("history: state is required")
)
