// Package audit dispatches security events (lockouts, code verification,
// resend rejections, flow transitions, approvals) to a [Sink] without
// blocking the request path.
//
// # Components
//
//   - [Sink]: event consumer (channel, JSON lines, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full.
//   - [Event]: the structured record.
//
// This package does not decide which events to emit; the engine and flows do.
// It must not import credguard or any sibling internal package.
package audit
