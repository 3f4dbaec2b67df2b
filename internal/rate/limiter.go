package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds throttle tuning parameters.
type Config struct {
	Enabled bool
	Max     int
	Window  time.Duration
	Prefix  string
}

// Limiter is a fixed-window request throttle keyed by scope and subject,
// used to cap how many codes a single client address can request.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "cgt"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Allow counts one request for subject within scope and returns
// ErrRateLimited once the window budget is exceeded. Empty subjects and
// disabled limiters always pass.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) error {
	if l == nil || !l.config.Enabled || subject == "" {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, l.key(scope, subject), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.Max) {
		return ErrRateLimited
	}
	return nil
}

// Count returns the current counter for subject within scope.
func (l *Limiter) Count(ctx context.Context, scope, subject string) (int, error) {
	if l == nil {
		return 0, nil
	}
	count, err := l.redis.Get(ctx, l.key(scope, subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the counter for subject within scope.
func (l *Limiter) Reset(ctx context.Context, scope, subject string) error {
	if l == nil {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(scope, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) key(scope, subject string) string {
	return l.config.Prefix + ":" + scope + ":" + subject
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// NX keeps the window anchored to its first hit.
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return incr.Val(), nil
}
