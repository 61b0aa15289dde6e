package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		qos     int
		tls     bool
		wantTLS bool
		wantErr error
	}{
		{"tcp", "tcp://localhost:1883", 1, false, false, nil},
		{"tcp with tls enabled", "tcp://localhost:8883", 1, true, true, nil},
		{"ssl", "ssl://broker:8883", 0, false, true, nil},
		{"wss signed", "wss://iot.example.com/mqtt?X-Token=abc", 1, false, true, nil},
		{"ws", "ws://broker:8080/mqtt", 2, false, false, nil},
		{"http scheme", "http://broker", 1, false, false, ErrInvalidURL},
		{"no host", "tcp://", 1, false, false, ErrInvalidURL},
		{"bad qos", "tcp://broker:1883", 3, false, false, ErrInvalidQoS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testMQTTConfig()
			cfg.QoS = tt.qos
			cfg.TLS.Enabled = tt.tls

			opts, err := buildClientOptions(cfg, tt.url, "client-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("buildClientOptions() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildClientOptions() error = %v", err)
			}

			if opts.ClientID != "client-1" {
				t.Errorf("ClientID = %q", opts.ClientID)
			}
			if opts.AutoReconnect {
				t.Error("AutoReconnect enabled, want provider-driven reconnect")
			}
			if !opts.CleanSession {
				t.Error("CleanSession = false")
			}
			if opts.KeepAlive != int64(defaultKeepAlive/time.Second) {
				t.Errorf("KeepAlive = %d, want default", opts.KeepAlive)
			}
			if gotTLS := opts.TLSConfig != nil; gotTLS != tt.wantTLS {
				t.Errorf("TLS configured = %v, want %v", gotTLS, tt.wantTLS)
			}
		})
	}
}

func TestBuildClientOptionsAuth(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Auth.Username = "svc"
	cfg.Auth.Password = "pw"
	cfg.Broker.KeepAlive = 15 * time.Second

	opts, err := buildClientOptions(cfg, "tcp://broker:1883", "c")
	if err != nil {
		t.Fatalf("buildClientOptions() error = %v", err)
	}
	if opts.Username != "svc" || opts.Password != "pw" {
		t.Errorf("credentials = (%q, %q)", opts.Username, opts.Password)
	}
	if opts.KeepAlive != 15 {
		t.Errorf("KeepAlive = %d, want 15", opts.KeepAlive)
	}
}

func TestInvalidURLErrorIsRedacted(t *testing.T) {
	_, err := buildClientOptions(testMQTTConfig(), "https://iot.example.com/mqtt?X-Signature=secret", "c")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); strings.Contains(got, "secret") {
		t.Errorf("error leaks query string: %s", got)
	}
}

func TestStatusPayloads(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		wantStatus string
		wantReason string
	}{
		{"online", buildOnlinePayload("c1"), "online", ""},
		{"offline", buildOfflinePayload("c1"), "offline", reasonGraceful},
		{"will", buildStatusPayload("offline", "c1", reasonUnexpected), "offline", reasonUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got statusPayload
			if err := json.Unmarshal(tt.payload, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got.Status != tt.wantStatus || got.Reason != tt.wantReason || got.ClientID != "c1" {
				t.Errorf("payload = %+v", got)
			}
			if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
				t.Errorf("timestamp %q not RFC3339", got.Timestamp)
			}
		})
	}
}

func TestStatusTopic(t *testing.T) {
	if got := StatusTopic("graylogic/pubsub/status", "c1"); got != "graylogic/pubsub/status/c1" {
		t.Errorf("StatusTopic() = %q", got)
	}
}
