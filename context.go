package credguard

import "context"

type clientIPContextKey struct{}

// WithClientIP attaches the caller's network address to ctx. It feeds the
// per-address OTP throttle, audit events, and the lockout identity key when
// Lockout.IdentityMode is [IdentityAccountAndIP].
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
