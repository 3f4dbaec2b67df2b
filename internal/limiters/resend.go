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

const resendRecordVersionV1 = 1

// ResendConfig holds the resend policy per (destination, purpose).
type ResendConfig struct {
	Cooldown      time.Duration
	MaxResends    int
	BlockDuration time.Duration // 0 = no escalation, cap just rejects
	CycleWindow   time.Duration // idle time after which the cycle resets
	Prefix        string
}

var (
	ErrResendCooldown    = errors.New("resend cooldown active")
	ErrResendBlocked     = errors.New("resend blocked")
	ErrResendCapReached  = errors.New("resend cap reached")
	ErrResendUnavailable = errors.New("resend backend unavailable")
)

// ResendRecord is the persisted resend cycle of one destination and purpose.
type ResendRecord struct {
	Count        uint16
	LastSentAt   int64 // unix ms
	BlockedUntil int64 // unix ms, 0 = not blocked
}

// ResendState is the evaluated view used by callers and the UI countdowns.
type ResendState struct {
	Count             int
	Remaining         int
	CanResend         bool
	LastSentAt        time.Time
	CooldownRemaining time.Duration
	BlockedUntil      time.Time
}

// ResendGovernor gates OTP regeneration behind a cooldown, a per-cycle cap
// and an escalating block.
type ResendGovernor struct {
	redis  redis.UniversalClient
	config ResendConfig
}

// NewResendGovernor creates a governor.
func NewResendGovernor(redisClient redis.UniversalClient, cfg ResendConfig) *ResendGovernor {
	if cfg.Prefix == "" {
		cfg.Prefix = "cgr"
	}
	return &ResendGovernor{redis: redisClient, config: cfg}
}

func (g *ResendGovernor) key(destination, purpose string) string {
	return g.config.Prefix + ":" + purpose + ":" + destination
}

// BeginSend admits or rejects a send and records it atomically.
//
// A first send (resend=false) opens the cycle: it is only rejected by an
// active block, starts the cooldown and does not count against the cap. Any
// later send inside the open cycle is a resend, whatever the caller asked
// for, and must also clear the cooldown and the cap. The resend that reaches
// the cap is admitted and sets the block, so the next one is rejected with
// ErrResendBlocked.
func (g *ResendGovernor) BeginSend(ctx context.Context, destination, purpose string, resend bool, now time.Time) (ResendState, error) {
	key := g.key(destination, purpose)
	nowMs := now.UnixMilli()

	var state ResendState
	var outcome error

	err := g.watch(ctx, func(tx *redis.Tx) error {
		outcome = nil

		record, err := g.load(ctx, tx, key)
		if err != nil {
			return err
		}
		record = g.normalize(record, nowMs)

		if record.BlockedUntil != 0 {
			state, outcome = g.evaluate(record, now), ErrResendBlocked
			return nil
		}
		if record.LastSentAt != 0 {
			resend = true
		}
		if resend {
			if record.LastSentAt != 0 && nowMs-record.LastSentAt < g.config.Cooldown.Milliseconds() {
				state, outcome = g.evaluate(record, now), ErrResendCooldown
				return nil
			}
			if int(record.Count) >= g.config.MaxResends {
				state, outcome = g.evaluate(record, now), ErrResendCapReached
				return nil
			}
			record.Count++
			if int(record.Count) >= g.config.MaxResends && g.config.BlockDuration > 0 {
				record.BlockedUntil = nowMs + g.config.BlockDuration.Milliseconds()
			}
		}
		record.LastSentAt = nowMs

		encoded, err := encodeResendRecord(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, g.ttl(record, nowMs))
			return nil
		})
		if err != nil {
			return err
		}
		state = g.evaluate(record, now)
		return nil
	}, key)
	if err != nil {
		return ResendState{}, fmt.Errorf("%w: %v", ErrResendUnavailable, err)
	}

	return state, outcome
}

// Status is a pure read; it never writes, so it is safe to poll.
func (g *ResendGovernor) Status(ctx context.Context, destination, purpose string, now time.Time) (ResendState, error) {
	record, err := g.load(ctx, g.redis, g.key(destination, purpose))
	if err != nil {
		return ResendState{}, fmt.Errorf("%w: %v", ErrResendUnavailable, err)
	}
	return g.evaluate(g.normalize(record, now.UnixMilli()), now), nil
}

// Reset drops the resend cycle, e.g. once the protected action completed.
func (g *ResendGovernor) Reset(ctx context.Context, destination, purpose string) error {
	if err := g.redis.Del(ctx, g.key(destination, purpose)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrResendUnavailable, err)
	}
	return nil
}

// normalize ends a cycle whose block has elapsed or which went idle.
func (g *ResendGovernor) normalize(record ResendRecord, nowMs int64) ResendRecord {
	if record.BlockedUntil != 0 {
		if nowMs >= record.BlockedUntil {
			return ResendRecord{}
		}
		return record
	}
	if record.LastSentAt != 0 && g.config.CycleWindow > 0 && nowMs-record.LastSentAt > g.config.CycleWindow.Milliseconds() {
		return ResendRecord{}
	}
	return record
}

func (g *ResendGovernor) evaluate(record ResendRecord, now time.Time) ResendState {
	state := ResendState{
		Count:     int(record.Count),
		Remaining: g.config.MaxResends - int(record.Count),
	}
	if state.Remaining < 0 {
		state.Remaining = 0
	}
	if record.LastSentAt != 0 {
		state.LastSentAt = time.UnixMilli(record.LastSentAt)
		if next := state.LastSentAt.Add(g.config.Cooldown); now.Before(next) {
			state.CooldownRemaining = next.Sub(now)
		}
	}
	if record.BlockedUntil != 0 {
		state.BlockedUntil = time.UnixMilli(record.BlockedUntil)
	}
	state.CanResend = state.BlockedUntil.IsZero() && state.CooldownRemaining == 0 && state.Remaining > 0
	return state
}

func (g *ResendGovernor) ttl(record ResendRecord, nowMs int64) time.Duration {
	deadline := record.LastSentAt + g.config.CycleWindow.Milliseconds()
	if record.BlockedUntil > deadline {
		deadline = record.BlockedUntil
	}
	ttl := time.Duration(deadline-nowMs)*time.Millisecond + g.config.CycleWindow + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (g *ResendGovernor) watch(ctx context.Context, fn func(tx *redis.Tx) error, key string) error {
	return redisx.Watch(ctx, g.redis, fn, key)
}

func (g *ResendGovernor) load(ctx context.Context, r redisx.Getter, key string) (ResendRecord, error) {
	return redisx.Load(ctx, r, key, decodeResendRecord)
}

func encodeResendRecord(record ResendRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(resendRecordVersionV1)
	if err := binary.Write(&buf, binary.BigEndian, record.Count); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.LastSentAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.BlockedUntil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResendRecord(data []byte) (ResendRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return ResendRecord{}, err
	}
	if version != resendRecordVersionV1 {
		return ResendRecord{}, errors.New("invalid resend record version")
	}

	var record ResendRecord
	if err := binary.Read(reader, binary.BigEndian, &record.Count); err != nil {
		return ResendRecord{}, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.LastSentAt); err != nil {
		return ResendRecord{}, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.BlockedUntil); err != nil {
		return ResendRecord{}, err
	}
	return record, nil
}
