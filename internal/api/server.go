// Package api provides the HTTP REST API and WebSocket server for the pub/sub
// daemon.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/broker"
	"github.com/nerrad567/gray-logic-pubsub/internal/history"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HistoryReader reads recorded connection state transitions.
// *history.Repository satisfies it.
type HistoryReader interface {
	Recent(ctx context.Context, provider string, limit int) ([]history.Entry, error)
}

// MessageRecorder records message traffic. *influxdb.Client satisfies it.
type MessageRecorder interface {
	WriteMessage(provider, direction, topic string, size int)
}

// DBStatter exposes connection pool statistics. *database.DB satisfies it.
type DBStatter interface {
	Stats() sql.DBStats
}

// BrokerStatter reports on a supervised local broker.
// *broker.Supervisor satisfies it.
type BrokerStatter interface {
	Stats() broker.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	PubSub  *pubsub.PubSub
	History HistoryReader   // Optional: history route answers 503 without it
	Metrics MessageRecorder // Optional: message traffic recording
	DB      DBStatter       // Optional: pool stats on /metrics
	Broker  BrokerStatter   // Optional: managed broker stats on /metrics
	Secret  string          // HMAC key for bearer tokens when auth is required
	Version string
}

// Server is the HTTP API server for the pub/sub daemon.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	pubsub    *pubsub.PubSub
	history   HistoryReader
	metrics   MessageRecorder
	db        DBStatter
	broker    BrokerStatter
	secret    string
	version   string
	startTime time.Time

	hub     *Hub
	server  *http.Server
	baseCtx context.Context    // parent of WebSocket client contexts once started
	cancel  context.CancelFunc // cancels background goroutines on Close()

	mu         sync.Mutex
	stopStates []func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, pubsub)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.PubSub == nil {
		return nil, fmt.Errorf("pubsub is required")
	}
	if deps.Config.AuthRequired && deps.Secret == "" {
		return nil, fmt.Errorf("token secret is required when auth is enabled")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		pubsub:    deps.PubSub,
		history:   deps.History,
		metrics:   deps.Metrics,
		db:        deps.DB,
		broker:    deps.Broker,
		secret:    deps.Secret,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, forwards the state changes of every provider
// registered so far to WebSocket clients, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context bounding the hub and stream goroutines
//
// Returns:
//   - error: If the listener cannot be opened (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.baseCtx = srvCtx
	go s.hub.Run(srvCtx)

	s.mu.Lock()
	for _, p := range s.pubsub.Providers() {
		s.stopStates = append(s.stopStates, p.OnStateChange(s.hub.BroadcastState))
	}
	s.mu.Unlock()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.mu.Lock()
	stops := s.stopStates
	s.stopStates = nil
	s.mu.Unlock()
	for _, stop := range stops {
		stop()
	}

	// Cancel background goroutines (hub, client streams)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
