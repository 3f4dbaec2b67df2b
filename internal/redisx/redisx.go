// Package redisx holds the WATCH/MULTI retry loop, the SCAN walk and the
// record loader shared by credguard's Redis-backed internal packages.
//
// # What this package must NOT do
//
//   - Import credguard or any sibling internal package.
//   - Know about record layouts; callers pass their own decoder.
package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	maxTxRetries = 8
	scanBatch    = 256
)

var (
	// ErrContention is returned when every optimistic retry lost the race.
	ErrContention = errors.New("redis transaction contention")

	// ErrCorruptRecord is returned for a stored value that does not decode.
	ErrCorruptRecord = errors.New("unreadable redis record")
)

// Getter is satisfied by both a client and a *redis.Tx.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Watch runs fn inside WATCH on keys, retrying on redis.TxFailedErr.
func Watch(ctx context.Context, rdb redis.UniversalClient, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// ScanKeys walks every key matching pattern and calls fn for each.
func ScanKeys(ctx context.Context, rdb redis.UniversalClient, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if cursor = next; cursor == 0 {
			return nil
		}
	}
}

// Load reads key and decodes it. A missing key yields the zero value and no
// error; a value decode rejects yields ErrCorruptRecord.
func Load[T any](ctx context.Context, g Getter, key string, decode func([]byte) (T, error)) (T, error) {
	var zero T
	data, err := g.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, nil
		}
		return zero, err
	}
	record, err := decode(data)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}
	return record, nil
}
