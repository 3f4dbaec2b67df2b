package limiters

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wareops/credguard/internal/redisx"
)

const attemptRecordVersionV1 = 1

// LedgerConfig holds the lockout policy for the attempt ledger.
type LedgerConfig struct {
	Threshold     int
	BlockDuration time.Duration
	Horizon       time.Duration // how long sub-threshold failures are remembered
	Prefix        string
}

var (
	// ErrLedgerUnavailable indicates the ledger backend is unreachable.
	ErrLedgerUnavailable = errors.New("attempt ledger backend unavailable")
)

// AttemptRecord is the persisted failure state of one identity.
type AttemptRecord struct {
	FailureCount   uint16
	FirstFailureAt int64 // unix ms
	BlockedUntil   int64 // unix ms, 0 = not blocked
}

// AttemptState is the evaluated view of a record at a point in time.
type AttemptState struct {
	Blocked           bool
	FailureCount      int
	RemainingAttempts int
	BlockedUntil      time.Time
	BlockRemaining    time.Duration
}

// AttemptLedger counts consecutive failed logins per identity key and blocks
// the identity once the threshold is reached. Every read-modify-write runs
// under WATCH on the identity's own key.
type AttemptLedger struct {
	redis  redis.UniversalClient
	config LedgerConfig
}

// NewAttemptLedger creates a ledger.
func NewAttemptLedger(redisClient redis.UniversalClient, cfg LedgerConfig) *AttemptLedger {
	if cfg.Prefix == "" {
		cfg.Prefix = "cgl"
	}
	return &AttemptLedger{redis: redisClient, config: cfg}
}

func (l *AttemptLedger) key(identity string) string {
	return l.config.Prefix + ":" + identity
}

// RecordFailure registers one failed attempt. While a block is active the
// call is a no-op that reports the block; a failure after the block has
// elapsed starts a new run at 1.
func (l *AttemptLedger) RecordFailure(ctx context.Context, identity string, now time.Time) (AttemptState, error) {
	key := l.key(identity)
	nowMs := now.UnixMilli()

	var state AttemptState
	err := l.watch(ctx, func(tx *redis.Tx) error {
		record, err := l.load(ctx, tx, key)
		if err != nil {
			return err
		}

		if record.BlockedUntil != 0 && nowMs < record.BlockedUntil {
			state = l.evaluate(record, now)
			return nil
		}
		if l.stale(record, nowMs) {
			record = AttemptRecord{}
		}

		record.FailureCount++
		if record.FailureCount == 1 {
			record.FirstFailureAt = nowMs
		}
		if int(record.FailureCount) >= l.config.Threshold {
			record.BlockedUntil = nowMs + l.config.BlockDuration.Milliseconds()
		}

		encoded, err := encodeAttemptRecord(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, l.ttl(record, nowMs))
			return nil
		})
		if err != nil {
			return err
		}

		state = l.evaluate(record, now)
		return nil
	}, key)
	if err != nil {
		return AttemptState{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	return state, nil
}

// Reset deletes the record. Used for successful logins and admin clears.
func (l *AttemptLedger) Reset(ctx context.Context, identity string) error {
	if err := l.redis.Del(ctx, l.key(identity)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// Check reports the current state. Records whose block or tracking horizon
// has elapsed are removed before answering.
func (l *AttemptLedger) Check(ctx context.Context, identity string, now time.Time) (AttemptState, error) {
	key := l.key(identity)
	nowMs := now.UnixMilli()

	var state AttemptState
	err := l.watch(ctx, func(tx *redis.Tx) error {
		record, err := l.load(ctx, tx, key)
		if err != nil {
			return err
		}

		if record.FailureCount > 0 && l.stale(record, nowMs) {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}
			record = AttemptRecord{}
		}

		state = l.evaluate(record, now)
		return nil
	}, key)
	if err != nil {
		return AttemptState{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	return state, nil
}

// Cleanup sweeps all records and deletes the stale ones. Each deletion is
// guarded by WATCH so a concurrent RecordFailure is never lost. Unreadable
// records are left for Reset; they keep failing RecordFailure and Check.
func (l *AttemptLedger) Cleanup(ctx context.Context, now time.Time) (int, error) {
	nowMs := now.UnixMilli()
	removed := 0

	err := redisx.ScanKeys(ctx, l.redis, l.config.Prefix+":*", func(key string) error {
		return l.watch(ctx, func(tx *redis.Tx) error {
			record, err := l.load(ctx, tx, key)
			if errors.Is(err, redisx.ErrCorruptRecord) {
				return nil
			}
			if err != nil {
				return err
			}
			if record.FailureCount == 0 || !l.stale(record, nowMs) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, key)
	})
	if err != nil {
		return removed, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	return removed, nil
}

// Stats returns the number of identities currently blocked and the sum of
// failures still being tracked.
func (l *AttemptLedger) Stats(ctx context.Context, now time.Time) (blocked, attempts int, err error) {
	nowMs := now.UnixMilli()

	err = redisx.ScanKeys(ctx, l.redis, l.config.Prefix+":*", func(key string) error {
		record, err := l.load(ctx, l.redis, key)
		if errors.Is(err, redisx.ErrCorruptRecord) {
			return nil
		}
		if err != nil {
			return err
		}
		if record.FailureCount == 0 || l.stale(record, nowMs) {
			return nil
		}
		if record.BlockedUntil != 0 {
			blocked++
		}
		attempts += int(record.FailureCount)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	return blocked, attempts, nil
}

// stale reports whether the record no longer constrains the identity: its
// block has elapsed, or it never blocked and the horizon has passed.
func (l *AttemptLedger) stale(record AttemptRecord, nowMs int64) bool {
	if record.BlockedUntil != 0 {
		return nowMs >= record.BlockedUntil
	}
	return l.config.Horizon > 0 && nowMs-record.FirstFailureAt > l.config.Horizon.Milliseconds()
}

func (l *AttemptLedger) evaluate(record AttemptRecord, now time.Time) AttemptState {
	state := AttemptState{
		FailureCount:      int(record.FailureCount),
		RemainingAttempts: l.config.Threshold - int(record.FailureCount),
	}
	if state.RemainingAttempts < 0 {
		state.RemainingAttempts = 0
	}
	if record.BlockedUntil != 0 {
		until := time.UnixMilli(record.BlockedUntil)
		if now.Before(until) {
			state.Blocked = true
			state.BlockedUntil = until
			state.BlockRemaining = until.Sub(now)
			state.RemainingAttempts = 0
		}
	}
	return state
}

func (l *AttemptLedger) ttl(record AttemptRecord, nowMs int64) time.Duration {
	deadline := record.FirstFailureAt + l.config.Horizon.Milliseconds()
	if record.BlockedUntil != 0 {
		deadline = record.BlockedUntil
	}
	// Padded so Redis never expires a record before the clock says so.
	ttl := time.Duration(deadline-nowMs)*time.Millisecond + l.config.Horizon + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (l *AttemptLedger) watch(ctx context.Context, fn func(tx *redis.Tx) error, key string) error {
	return redisx.Watch(ctx, l.redis, fn, key)
}

func (l *AttemptLedger) load(ctx context.Context, g redisx.Getter, key string) (AttemptRecord, error) {
	return redisx.Load(ctx, g, key, decodeAttemptRecord)
}

func encodeAttemptRecord(record AttemptRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(attemptRecordVersionV1)
	if err := binary.Write(&buf, binary.BigEndian, record.FailureCount); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.FirstFailureAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.BlockedUntil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAttemptRecord(data []byte) (AttemptRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return AttemptRecord{}, err
	}
	if version != attemptRecordVersionV1 {
		return AttemptRecord{}, errors.New("invalid attempt record version")
	}

	var record AttemptRecord
	if err := binary.Read(reader, binary.BigEndian, &record.FailureCount); err != nil {
		return AttemptRecord{}, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.FirstFailureAt); err != nil {
		return AttemptRecord{}, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.BlockedUntil); err != nil {
		return AttemptRecord{}, err
	}
	return record, nil
}
