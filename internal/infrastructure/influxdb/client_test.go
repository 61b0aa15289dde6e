package influxdb_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// fakeInflux answers /ping and captures /api/v2/write bodies.
type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	query  string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "\n")
}

func newFakeServer(t *testing.T) (*fakeInflux, config.InfluxDBConfig) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	return fake, config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "graylogic",
		Bucket:        "pubsub",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := influxdb.Connect(config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1", // nothing listens on port 1
		Org:     "o",
		Bucket:  "b",
	})
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnectAndClose(t *testing.T) {
	_, cfg := newFakeServer(t)
	cfg.BatchSize = 0
	cfg.FlushInterval = -1

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(t.Context()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWriteMetrics(t *testing.T) {
	fake, cfg := newFakeServer(t)

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.HealthCheck(t.Context()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.WriteStateChange(pubsub.StateChange{
		Provider: "mqtt",
		State:    pubsub.StateConnected,
		At:       time.Unix(1700000000, 0),
	})
	client.WriteMessage("mqtt", influxdb.DirectionOutbound, "home/lamp", 12)

	// Close flushes and waits for the write goroutine.
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := fake.written()
	wants := []string{
		`connection_state,provider=mqtt connected=true,state="Connected" 1700000000000000000`,
		`pubsub_messages,direction=out,provider=mqtt bytes=12i,topic="home/lamp"`,
	}
	for _, want := range wants {
		if !strings.Contains(got, want) {
			t.Errorf("written lines missing %q\ngot:\n%s", want, got)
		}
	}
	if !strings.Contains(fake.query, "bucket=pubsub") {
		t.Errorf("write query = %q, want bucket=pubsub", fake.query)
	}

	// Writes after Close are dropped.
	client.WriteMessage("mqtt", influxdb.DirectionInbound, "home/lamp", 1)
}
