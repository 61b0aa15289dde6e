// Package history persists provider connection state transitions to SQLite.
//
// Rows live in connection_state_history (see package migrations). The
// daemon subscribes a Repository to each provider's state changes; the API
// serves Recent for the providers/{name}/history endpoint.
package history
