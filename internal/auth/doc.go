// Package auth provides credentials, connection URL signing and API
// bearer tokens for the pub/sub daemon.
//
// It covers two flows that share one HMAC secret:
//   - Signer computes the signed WebSocket URL used by IoT providers. The
//     URL carries a short-lived HS256 JWT naming the access key and
//     session token, and is recomputed on every connection attempt.
//   - IssueToken and ParseToken mint and verify bearer tokens for the
//     HTTP API, with a static role-permission mapping.
package auth
