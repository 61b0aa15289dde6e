package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/broker"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Providers     ProviderMetrics `json:"providers"`
	Database      DatabaseMetrics `json:"database"`
	Broker        *broker.Stats   `json:"broker,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// ProviderMetrics summarises provider health.
type ProviderMetrics struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
	Clients int            `json:"clients"`
	Filters int            `json:"filters"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns runtime, provider, and storage statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Providers: ProviderMetrics{
			ByState: make(map[string]int),
		},
	}

	for _, p := range s.pubsub.Providers() {
		info := describeProvider(p)
		metrics.Providers.Total++
		metrics.Providers.ByState[string(info.State)]++
		metrics.Providers.Clients += len(info.Clients)
		metrics.Providers.Filters += len(info.Filters)
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if s.broker != nil {
		stats := s.broker.Stats()
		metrics.Broker = &stats
	}

	writeJSON(w, http.StatusOK, metrics)
}
