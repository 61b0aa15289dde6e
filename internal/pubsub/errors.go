package pubsub

import "errors"

// Domain-specific errors for pub/sub operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrProviderNotFound is returned when an operation names a provider
	// that has not been added.
	ErrProviderNotFound = errors.New("pubsub: provider not found")

	// ErrNoProviders is returned when an operation needs a provider but none
	// are configured.
	ErrNoProviders = errors.New("pubsub: no providers configured")

	// ErrProviderExists is returned when adding a provider whose name is taken.
	ErrProviderExists = errors.New("pubsub: provider already exists")

	// ErrInvalidTopic is returned for empty or malformed topics and filters.
	ErrInvalidTopic = errors.New("pubsub: invalid topic")

	// ErrInvalidMessage is returned when a message cannot be encoded.
	ErrInvalidMessage = errors.New("pubsub: invalid message")

	// ErrConnectionFailed is returned when a transport fails to connect.
	ErrConnectionFailed = errors.New("pubsub: connection failed")

	// ErrNotConnected is returned when a transport is used while disconnected.
	ErrNotConnected = errors.New("pubsub: not connected")

	// ErrClosed is returned when using a provider after Close.
	ErrClosed = errors.New("pubsub: provider closed")

	// ErrNoEndpoint is returned when no connection URL can be resolved.
	ErrNoEndpoint = errors.New("pubsub: no endpoint configured")
)
