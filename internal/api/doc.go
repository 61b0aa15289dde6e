// Package api implements the HTTP REST API and WebSocket server for the
// pub/sub daemon.
//
// This package provides:
//   - Provider listing with connection state, clients, and filters
//   - Connection state history backed by the local SQLite store
//   - A publish endpoint routed through pubsub.PubSub
//   - A WebSocket stream of inbound messages and state changes
//   - Runtime, provider, database and managed broker metrics
//   - Middleware stack (request ID, logging, recovery, CORS, bearer auth)
//
// # Security
//
// When api.auth_required is set, every route except /health needs a bearer
// token issued by auth.IssueToken and signed with the signing secret. The
// caller's role decides which routes it may use. WebSocket clients that
// cannot set headers may pass the token in the access_token query parameter.
//
// # Graceful Degradation
//
// History is optional. Without it the history route answers 503 while the
// rest of the API keeps working.
package api
