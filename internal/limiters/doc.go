// Package limiters holds the counting state behind credguard's abuse
// controls.
//
//   - [AttemptLedger]: consecutive failed logins per identity with a fixed
//     block anchored to the failure that reached the threshold.
//   - [ResendGovernor]: cooldown, per-cycle cap and escalating block for
//     code regeneration per (destination, purpose).
//
// Both keep one binary record per subject and mutate it under WATCH/MULTI on
// that subject's key only, so two concurrent failures can never both read
// the same count. Time always comes from the caller.
//
// # What this package must NOT do
//
//   - Import credguard or any sibling internal package other than redisx.
//   - Decide user-facing messages; flows and the engine do that.
package limiters
