// Gray Logic Pub/Sub - connection layer daemon
//
// pubsubd owns the broker connections for a site. It multiplexes every
// subscription onto one MQTT connection per client ID, keeps those
// connections alive across network drops, records connection health, and
// exposes publish/subscribe to other processes over HTTP and WebSocket.
//
// Configuration is read from GRAYLOGIC_PUBSUB_CONFIG (or GRAYLOGIC_CONFIG),
// falling back to configs/pubsub.yaml.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-pubsub/internal/api"
	"github.com/nerrad567/gray-logic-pubsub/internal/broker"
	"github.com/nerrad567/gray-logic-pubsub/internal/history"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pubsub/internal/providers"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
	"github.com/nerrad567/gray-logic-pubsub/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/pubsub.yaml"

// pruneInterval is how often expired state history is removed.
const pruneInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Pub/Sub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewRepository(db.DB)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the local broker first so providers find it listening.
	var supervisor *broker.Supervisor
	if cfg.MQTT.Managed.Enabled {
		supervisor, err = broker.New(broker.FromConfig(cfg.MQTT), log.Component("broker"))
		if err != nil {
			return fmt.Errorf("configuring managed broker: %w", err)
		}
		if startErr := supervisor.Start(ctx); startErr != nil {
			return fmt.Errorf("starting managed broker: %w", startErr)
		}
		defer func() {
			log.Info("stopping managed broker")
			if stopErr := supervisor.Stop(); stopErr != nil {
				log.Error("error stopping managed broker", "error", stopErr)
			}
		}()
		log.Info("managed broker running",
			"binary", cfg.MQTT.Managed.Binary,
			"listen", cfg.MQTT.Managed.Listen,
		)
	}

	// Every provider reports on one bus so history and metrics see all of them.
	events := pubsub.NewEventBus()
	stopRecording := events.Subscribe(stateRecorder(ctx, historyRepo, influxClient, log))
	defer stopRecording()

	ps, err := providers.Build(cfg, events, log)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}
	defer func() {
		log.Info("closing providers")
		if closeErr := ps.Close(); closeErr != nil {
			log.Error("error closing providers", "error", closeErr)
		}
	}()
	for _, p := range ps.Providers() {
		log.Info("provider registered", "provider", p.Name(), "state", p.State())
	}

	deps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log.Component("api"),
		PubSub:  ps,
		History: historyRepo,
		DB:      db,
		Secret:  cfg.Signing.SecretAccessKey,
		Version: version,
	}
	if influxClient != nil {
		deps.Metrics = influxClient
	}
	if supervisor != nil {
		deps.Broker = supervisor
	}
	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, influxClient, supervisor, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pruneHistory(gctx, historyRepo, cfg.Database.HistoryRetention, log)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, providers, managed broker (if enabled), InfluxDB (if
	// enabled), database.

	log.Info("Gray Logic Pub/Sub stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// GRAYLOGIC_PUBSUB_CONFIG wins over GRAYLOGIC_CONFIG; otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_PUBSUB_CONFIG"); path != "" {
		return path
	}
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// stateRecorder returns the listener that logs every connection state
// transition and persists it to history (and InfluxDB when enabled).
//
// The history write uses a context that survives shutdown so the final
// transitions emitted while providers close are still stored.
func stateRecorder(ctx context.Context, repo *history.Repository, influxClient *influxdb.Client, log *logging.Logger) func(pubsub.StateChange) {
	record := repo.Recorder(context.WithoutCancel(ctx), log)
	return func(ev pubsub.StateChange) {
		log.Info("connection state changed", "provider", ev.Provider, "state", ev.State)
		record(ev)
		if influxClient != nil {
			influxClient.WriteStateChange(ev)
		}
	}
}

// pruneHistory deletes state history older than retention every
// pruneInterval until ctx is cancelled. A zero retention keeps everything.
func pruneHistory(ctx context.Context, repo *history.Repository, retention time.Duration, log *logging.Logger) error {
	if retention <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("pruning state history failed", "error", err)
		case n > 0:
			log.Info("pruned state history", "rows", n, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Provider connections are not checked: providers connect lazily and
// report their own health through state changes. A managed broker is.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - supervisor: Managed broker to check (may be nil if disabled)
//   - apiServer: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client, supervisor *broker.Supervisor, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if supervisor != nil {
		if err := supervisor.HealthCheck(ctx); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
	}

	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}
