// pubsub-shell is an interactive client for the Gray Logic pub/sub layer.
//
// It loads the same configuration as pubsubd and opens its own broker
// connections, so it can be used to watch topics and publish test messages
// without the daemon running.
//
// Usage:
//
//	pubsub-shell -config configs/pubsub.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-pubsub/cmd/pubsub-shell/interactive"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pubsub/internal/providers"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

var version = "dev"

// options holds the command-line flags.
type options struct {
	configPath string
	logLevel   string
	quiet      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", defaultConfigPath(), "Configuration file path")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.quiet, "quiet", false, "Do not print connection state changes")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logCfg := cfg.Logging
	logCfg.Level = opts.logLevel
	logCfg.Format = "text"
	log := logging.NewWithWriter(logCfg, version, os.Stderr)

	events := pubsub.NewEventBus()
	ps, err := providers.Build(cfg, events, log)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}
	defer ps.Close() //nolint:errcheck // exiting anyway

	shell := interactive.New(ps, os.Stdout)
	if !opts.quiet {
		stop := events.Subscribe(shell.PrintState)
		defer stop()
	}

	return shell.Run(ctx)
}

// defaultConfigPath mirrors pubsubd's lookup so both tools read the same file.
func defaultConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_PUBSUB_CONFIG"); path != "" {
		return path
	}
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return "configs/pubsub.yaml"
}
