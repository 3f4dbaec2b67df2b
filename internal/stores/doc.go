// Package stores provides the Redis-backed records behind credguard's
// one-time codes and multi-step flow sessions.
//
// # Design
//
// OTP records are versioned, binary-encoded and keyed by an opaque id. A
// second key per (purpose, destination) points at the active record so that
// issuing a new code supersedes the previous one inside one WATCH/MULTI
// transaction. Every read-modify-write (attempt counting, verification,
// consumption) runs under WATCH with retry on contention. Timestamps are
// stored in unix milliseconds from the caller's clock; Redis TTLs only
// garbage-collect. Code comparison is constant-time.
//
// Flow sessions are JSON documents with an idle TTL refreshed on every update.
//
// # What this package must NOT do
//
//   - Import credguard or any sibling internal package other than redisx.
//   - Log or expose plaintext codes.
//   - Generate codes or decide resend policy (see internal/limiters).
package stores
