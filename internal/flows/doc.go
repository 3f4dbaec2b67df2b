// Package flows contains the password-reset and registration orchestrators.
//
// Each Run function takes a [Deps] of plain function fields built once by the
// engine, so the state machines can be tested without Redis or mail:
//
//	password reset: email -> otp -> new-password -> success
//	registration:   details -> otp -> success
//
// A failed step keeps the flow where it is and records a user-facing error on
// the session. Steps only move forward; [RunCancel] is the only way back.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import credguard (to avoid import cycles).
//   - Perform I/O directly; every effect goes through Deps.
package flows
