package auth

import (
	"context"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
)

// Credentials are the signing inputs for an IoT connection URL.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Valid reports whether both the access key and the secret are present.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// CredentialsProvider supplies credentials, possibly refreshing them.
type CredentialsProvider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// StaticCredentials always returns the same credentials.
type StaticCredentials Credentials

// Retrieve returns the stored credentials or ErrMissingCredentials.
func (s StaticCredentials) Retrieve(_ context.Context) (Credentials, error) {
	c := Credentials(s)
	if !c.Valid() {
		return Credentials{}, ErrMissingCredentials
	}
	return c, nil
}

// CredentialsFromConfig builds static credentials from the signing section.
func CredentialsFromConfig(cfg config.SigningConfig) StaticCredentials {
	return StaticCredentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
	}
}
