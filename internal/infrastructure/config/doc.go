// Package config handles loading and validating the pub/sub daemon configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYLOGIC_PUBSUB_* environment variables
//   - Validation of required fields (all errors reported together)
//   - Default value handling, including the implicit "mqtt" provider
//
// Security Considerations:
//   - Broker passwords and signing secrets should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The signing secret is also the HMAC key for API bearer tokens
//
// Usage:
//
//	cfg, err := config.Load("configs/pubsub.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, p := range cfg.Providers {
//	    fmt.Println(p.Name, p.Endpoint)
//	}
package config
