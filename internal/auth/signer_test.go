package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
)

const testSecret = "test-secret-key-at-least-32-chars!"

func testCredentials() StaticCredentials {
	return CredentialsFromConfig(config.SigningConfig{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: testSecret,
		SessionToken:    "session-abc",
	})
}

// rotatingCredentials returns a different secret on each call.
type rotatingCredentials struct {
	secrets []string
	calls   int
}

func (r *rotatingCredentials) Retrieve(context.Context) (Credentials, error) {
	s := r.secrets[r.calls%len(r.secrets)]
	r.calls++
	return Credentials{AccessKeyID: "AKID", SecretAccessKey: s}, nil
}

// =============================================================================
// SignURL
// =============================================================================

func TestSignURLRoundTrip(t *testing.T) {
	signer := NewSigner(testCredentials(), time.Minute)

	signed, err := signer.SignURL(context.Background(), "wss://iot.example.com/mqtt?existing=1")
	if err != nil {
		t.Fatalf("SignURL() error = %v", err)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("signed url does not parse: %v", err)
	}
	if u.Query().Get("existing") != "1" {
		t.Error("SignURL() dropped an existing query parameter")
	}
	if u.Host != "iot.example.com" || u.Path != "/mqtt" {
		t.Errorf("SignURL() changed the endpoint: %s", signed)
	}

	claims, err := VerifyURL(signed, testSecret)
	if err != nil {
		t.Fatalf("VerifyURL() error = %v", err)
	}
	if claims.Subject != "AKIDEXAMPLE" {
		t.Errorf("Subject = %q, want access key id", claims.Subject)
	}
	if claims.SessionToken != "session-abc" {
		t.Errorf("SessionToken = %q", claims.SessionToken)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Minute {
		t.Errorf("token lifetime = %v, want 1m", got)
	}
}

func TestSignURLIsFreshEachCall(t *testing.T) {
	signer := NewSigner(testCredentials(), 0)

	first, err := signer.SignURL(context.Background(), "wss://iot.example.com/mqtt")
	if err != nil {
		t.Fatalf("SignURL() error = %v", err)
	}
	second, err := signer.SignURL(context.Background(), "wss://iot.example.com/mqtt")
	if err != nil {
		t.Fatalf("SignURL() error = %v", err)
	}
	if first == second {
		t.Error("two signatures were identical, want a fresh token per connection attempt")
	}
}

func TestSignURLUsesCurrentCredentials(t *testing.T) {
	creds := &rotatingCredentials{secrets: []string{"secret-one", "secret-two"}}
	signer := NewSigner(creds, time.Minute)

	first, _ := signer.SignURL(context.Background(), "wss://h/mqtt")
	second, _ := signer.SignURL(context.Background(), "wss://h/mqtt")

	if _, err := VerifyURL(first, "secret-one"); err != nil {
		t.Errorf("first url not signed with first secret: %v", err)
	}
	if _, err := VerifyURL(second, "secret-two"); err != nil {
		t.Errorf("second url not signed with rotated secret: %v", err)
	}
}

func TestSignURLErrors(t *testing.T) {
	tests := []struct {
		name    string
		creds   CredentialsProvider
		url     string
		wantErr error
	}{
		{"missing host", testCredentials(), "/mqtt", ErrInvalidURL},
		{"unparseable", testCredentials(), "://bad", ErrInvalidURL},
		{"no secret", StaticCredentials{AccessKeyID: "AKID"}, "wss://h/mqtt", ErrMissingCredentials},
		{"no access key", StaticCredentials{SecretAccessKey: testSecret}, "wss://h/mqtt", ErrMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.creds, time.Minute).SignURL(context.Background(), tt.url)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SignURL() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// VerifyURL
// =============================================================================

func TestVerifyURLRejects(t *testing.T) {
	signer := NewSigner(testCredentials(), time.Minute)
	signed, err := signer.SignURL(context.Background(), "wss://iot.example.com/mqtt")
	if err != nil {
		t.Fatalf("SignURL() error = %v", err)
	}

	expiredSigner := NewSigner(testCredentials(), time.Minute)
	expiredSigner.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredSigner.SignURL(context.Background(), "wss://iot.example.com/mqtt")
	if err != nil {
		t.Fatalf("SignURL() error = %v", err)
	}

	tests := []struct {
		name    string
		url     string
		secret  string
		wantErr error
	}{
		{"wrong secret", signed, "another-secret", ErrTokenInvalid},
		{"other host", strings.Replace(signed, "iot.example.com", "evil.example.com", 1), testSecret, ErrTokenInvalid},
		{"no token", "wss://iot.example.com/mqtt", testSecret, ErrTokenInvalid},
		{"expired", expired, testSecret, ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyURL(tt.url, tt.secret); !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyURL() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
