// Package internal contains helper utilities that are private to credguard,
// mainly secure random generation for one-time codes and approval nonces.
//
// # Sub-packages
//
//   - appconfig: YAML + environment loading for the credguardd daemon
//   - flows: pure-function orchestrators for password reset and registration
//   - limiters: attempt ledger and resend governor state (Redis)
//   - rate: fixed-window request throttle primitives
//   - redisx: WATCH retry, SCAN walk and record loading shared by limiters and stores
//   - stores: OTP records and flow sessions (Redis)
//
// # What this package must NOT do
//
//   - Export types that appear in the public credguard API.
//   - Be imported by any package outside the credguard module.
package internal
