// Package broker supervises a local MQTT broker running as a child process.
//
// Sites that must keep working without an external broker can let the daemon
// start mosquitto itself. The Supervisor:
//
//   - starts the broker in its own process group and waits until its
//     listener accepts connections
//   - restarts it with exponential backoff when it exits or stops answering
//     health checks
//   - logs the broker's stdout and stderr line by line at debug level
//   - stops it with SIGTERM, escalating to SIGKILL after a grace period
//
// Example usage:
//
//	sup, err := broker.New(broker.FromConfig(cfg.MQTT), log)
//	if err != nil {
//	    return err
//	}
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package broker
