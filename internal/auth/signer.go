package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenQueryParam is the query parameter carrying the connection token.
const TokenQueryParam = "X-GrayLogic-Token"

const defaultSignTTL = 15 * time.Minute

// ConnectClaims are the claims embedded in a signed connection URL.
// The subject is the access key id and the audience is the broker host.
type ConnectClaims struct {
	jwt.RegisteredClaims
	SessionToken string `json:"stk,omitempty"`
}

// Signer signs broker URLs with the current credentials.
// It implements pubsub.URLSigner.
type Signer struct {
	creds CredentialsProvider
	ttl   time.Duration
	now   func() time.Time
}

// NewSigner creates a Signer. A ttl of zero or less uses 15 minutes.
func NewSigner(creds CredentialsProvider, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = defaultSignTTL
	}
	return &Signer{creds: creds, ttl: ttl, now: time.Now}
}

// SignURL returns rawURL with a fresh connection token appended.
//
// Credentials are retrieved on every call so rotated keys take effect on
// the next connection attempt.
//
// Parameters:
//   - ctx: Bounds credential retrieval
//   - rawURL: Broker URL, e.g. "wss://iot.example.com/mqtt"
//
// Returns:
//   - string: The signed URL
//   - error: ErrInvalidURL, ErrMissingCredentials, or a signing failure
func (s *Signer) SignURL(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieving credentials: %w", err)
	}
	if !creds.Valid() {
		return "", ErrMissingCredentials
	}

	now := s.now()
	claims := ConnectClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.AccessKeyID,
			Audience:  jwt.ClaimStrings{u.Host},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		SessionToken: creds.SessionToken,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.SecretAccessKey))
	if err != nil {
		return "", fmt.Errorf("signing connection url: %w", err)
	}

	q := u.Query()
	q.Set(TokenQueryParam, signed)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifyURL checks the token on a signed URL against secret and the URL's host.
func VerifyURL(signedURL, secret string) (*ConnectClaims, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	raw := u.Query().Get(TokenQueryParam)
	if raw == "" {
		return nil, fmt.Errorf("%w: no token on url", ErrTokenInvalid)
	}

	claims := &ConnectClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(u.Host),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing access key", ErrTokenInvalid)
	}
	return claims, nil
}

// mapJWTError converts jwt library errors to package sentinels.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
}
