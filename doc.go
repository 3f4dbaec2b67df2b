// Package credguard governs credential attempts and one-time passcodes: it
// locks identities out after repeated failed logins, issues and verifies
// attempt-limited email codes, rate-governs code resends, and drives the
// password-reset and registration flows built on top of them.
//
// All state lives in Redis so any number of service instances share it.
// Every counter mutation is an optimistic WATCH/MULTI transaction on the
// subject's own key, and every decision uses the engine's injected clock.
// Engine methods are safe to call from multiple goroutines after [Builder.Build].
//
// # Architecture boundaries
//
// credguard is the public surface: [Engine], [Builder], [Config] and the
// result types. Storage records, counters and flow state machines live under
// internal/ and are never exported. User records and mail delivery are
// collaborators supplied by the caller ([UserStore], mail.Sender).
//
// # What this package must NOT do
//
//   - Expose Redis clients, raw OTP codes (outside [Engine.GetOTPData]) or
//     internal records in its public API.
//   - Use a user-facing message for a security decision; callers branch on
//     errors and the Blocked flags only.
//   - Import any sub-package that re-imports credguard.
package credguard
