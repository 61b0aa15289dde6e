package broker

import "errors"

var (
	// ErrNoBinary is returned when no broker executable is configured.
	ErrNoBinary = errors.New("broker: binary is required")

	// ErrInvalidListen is returned when the listen address is not host:port.
	ErrInvalidListen = errors.New("broker: listen must be host:port")

	// ErrAlreadyRunning is returned by Start on a running supervisor.
	ErrAlreadyRunning = errors.New("broker: already running")

	// ErrNotReady is returned when the broker does not accept connections
	// within the start timeout.
	ErrNotReady = errors.New("broker: not accepting connections")

	// ErrNotRunning is returned by HealthCheck when no broker process is up.
	ErrNotRunning = errors.New("broker: not running")

	// ErrUnhealthy marks a broker killed after repeated failed health checks.
	ErrUnhealthy = errors.New("broker: health checks failed")
)
