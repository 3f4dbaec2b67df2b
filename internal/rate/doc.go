// Package rate provides the fixed-window request throttle used to cap how
// many one-time codes a single client address may request.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Keys are
// "<prefix>:<scope>:<subject>", prefix defaults to "cgt".
//
// # What this package must NOT do
//
//   - Implement lockout or resend policy (those live in internal/limiters).
//   - Be imported outside the credguard module.
package rate
