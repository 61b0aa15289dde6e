package auth

import "errors"

// Domain-specific errors for auth operations.
var (
	// ErrMissingCredentials is returned when no access key or secret is available.
	ErrMissingCredentials = errors.New("auth: missing credentials")

	// ErrInvalidURL is returned when a URL to sign cannot be parsed.
	ErrInvalidURL = errors.New("auth: invalid url")

	// ErrTokenInvalid is returned for malformed, mis-signed or incomplete tokens.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrTokenExpired is returned when a token is past its expiry.
	ErrTokenExpired = errors.New("auth: token has expired")

	// ErrForbidden is returned when a role lacks a permission.
	ErrForbidden = errors.New("auth: insufficient permissions")
)
