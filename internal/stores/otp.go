package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wareops/credguard/internal/redisx"
)

const (
	otpRecordVersionV1 = 1
)

// OTPState is the lifecycle state persisted with each record. Expired and
// locked are derived from timestamps and attempt counters, never stored.
type OTPState uint8

const (
	OTPStateCreated OTPState = iota
	OTPStateVerified
	OTPStateUsed
)

var (
	ErrOTPNotFound         = errors.New("otp record not found")
	ErrOTPExpired          = errors.New("otp expired")
	ErrOTPLocked           = errors.New("otp locked")
	ErrOTPConsumed         = errors.New("otp already consumed")
	ErrOTPMismatch         = errors.New("otp mismatch")
	ErrOTPNotVerified      = errors.New("otp not verified")
	ErrOTPRedisUnavailable = errors.New("otp redis unavailable")
)

type OTPRecord struct {
	ID          string
	Purpose     string
	Destination string
	Code        string
	State       OTPState
	Attempts    uint16
	MaxAttempts uint16
	CreatedAt   int64 // unix ms
	ExpiresAt   int64 // unix ms
	VerifiedAt  int64 // unix ms, 0 until verified
}

// Locked reports whether the per-code attempt budget is spent.
func (r *OTPRecord) Locked() bool {
	return r.Attempts >= r.MaxAttempts
}

// Remaining returns how many wrong submissions the record still tolerates.
func (r *OTPRecord) Remaining() int {
	if r.Attempts >= r.MaxAttempts {
		return 0
	}
	return int(r.MaxAttempts - r.Attempts)
}

// Deadline is the instant after which the record is dead for its current state.
func (r *OTPRecord) Deadline(verifiedIdle time.Duration) int64 {
	if r.State == OTPStateVerified {
		return r.VerifiedAt + verifiedIdle.Milliseconds()
	}
	return r.ExpiresAt
}

// Live reports whether the record can still be verified.
func (r *OTPRecord) Live(nowMs int64) bool {
	return r.State == OTPStateCreated && nowMs <= r.ExpiresAt && !r.Locked()
}

// OTPStore persists OTP records keyed by an opaque id, plus one active
// pointer per (purpose, destination) so issuing a new code supersedes the
// previous one atomically.
type OTPStore struct {
	redis        redis.UniversalClient
	prefix       string
	verifiedIdle time.Duration
	retention    time.Duration
}

// NewOTPStore creates a store. verifiedIdle bounds how long a verified but
// unused record stays usable; retention keeps dead records around so late
// callers get a precise error instead of not-found.
func NewOTPStore(redisClient redis.UniversalClient, prefix string, verifiedIdle, retention time.Duration) *OTPStore {
	if prefix == "" {
		prefix = "cgo"
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &OTPStore{
		redis:        redisClient,
		prefix:       prefix,
		verifiedIdle: verifiedIdle,
		retention:    retention,
	}
}

func (s *OTPStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *OTPStore) activeKey(purpose, destination string) string {
	return s.prefix + "a:" + purpose + ":" + destination
}

// Issue stores record and makes it the active one for its purpose and
// destination. The previously active record, if any, is deleted in the same
// transaction and its id returned.
func (s *OTPStore) Issue(ctx context.Context, record *OTPRecord, now time.Time) (string, error) {
	if record == nil || record.ID == "" || record.Purpose == "" || record.Destination == "" {
		return "", errors.New("invalid otp record")
	}

	encoded, err := encodeOTPRecord(record)
	if err != nil {
		return "", err
	}

	activeKey := s.activeKey(record.Purpose, record.Destination)
	ttl := ttlUntil(record.ExpiresAt, now, s.retention+s.verifiedIdle)

	var superseded string
	err = redisx.Watch(ctx, s.redis, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		superseded = prev

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != "" && prev != record.ID {
				pipe.Del(ctx, s.key(prev))
			}
			pipe.Set(ctx, s.key(record.ID), encoded, ttl)
			pipe.Set(ctx, activeKey, record.ID, ttl)
			return nil
		})
		return err
	}, activeKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}

	return superseded, nil
}

// Verify checks code against the record. Order: consumed, expired, locked,
// then a constant-time compare. A mismatch burns one attempt and still
// returns the updated record so callers can report what is left. An empty
// purpose accepts any purpose.
func (s *OTPStore) Verify(ctx context.Context, id, purpose, code string, now time.Time) (*OTPRecord, error) {
	key := s.key(id)
	nowMs := now.UnixMilli()

	var result *OTPRecord
	var outcome error

	err := redisx.Watch(ctx, s.redis, func(tx *redis.Tx) error {
		result, outcome = nil, nil

		record, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if purpose != "" && record.Purpose != purpose {
			return ErrOTPNotFound
		}

		result = record
		switch {
		case record.State != OTPStateCreated:
			outcome = ErrOTPConsumed
			return nil
		case nowMs > record.ExpiresAt:
			outcome = ErrOTPExpired
			return nil
		case record.Locked():
			outcome = ErrOTPLocked
			return nil
		}

		if subtle.ConstantTimeCompare([]byte(record.Code), []byte(code)) != 1 {
			record.Attempts++
			outcome = ErrOTPMismatch
		} else {
			record.State = OTPStateVerified
			record.VerifiedAt = nowMs
		}

		updated, err := encodeOTPRecord(record)
		if err != nil {
			return err
		}
		ttl := ttlUntil(record.Deadline(s.verifiedIdle), now, s.retention)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, s.mapErr(err)
	}

	return result, outcome
}

// MarkUsed moves a verified record to its terminal used state and releases
// the active pointer.
func (s *OTPStore) MarkUsed(ctx context.Context, id string, now time.Time) (*OTPRecord, error) {
	key := s.key(id)
	nowMs := now.UnixMilli()

	var result *OTPRecord
	err := redisx.Watch(ctx, s.redis, func(tx *redis.Tx) error {
		record, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}

		switch record.State {
		case OTPStateUsed:
			return ErrOTPConsumed
		case OTPStateCreated:
			return ErrOTPNotVerified
		}
		if nowMs > record.Deadline(s.verifiedIdle) {
			return ErrOTPExpired
		}

		activeKey := s.activeKey(record.Purpose, record.Destination)
		active, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		record.State = OTPStateUsed
		updated, err := encodeOTPRecord(record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttlUntil(record.ExpiresAt, now, s.retention))
			if active == id {
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = record
		return nil
	}, key)
	if err != nil {
		return nil, s.mapErr(err)
	}

	return result, nil
}

// Usable reports whether a verified record can still be marked used, without
// changing it.
func (s *OTPStore) Usable(ctx context.Context, id string, now time.Time) error {
	record, err := s.load(ctx, s.redis, s.key(id))
	if err != nil {
		return s.mapErr(err)
	}
	switch record.State {
	case OTPStateUsed:
		return ErrOTPConsumed
	case OTPStateCreated:
		return ErrOTPNotVerified
	}
	if now.UnixMilli() > record.Deadline(s.verifiedIdle) {
		return ErrOTPExpired
	}
	return nil
}

// Invalidate deletes the record and its active pointer. Missing records are
// not an error.
func (s *OTPStore) Invalidate(ctx context.Context, id string) error {
	key := s.key(id)

	err := redisx.Watch(ctx, s.redis, func(tx *redis.Tx) error {
		record, err := s.load(ctx, tx, key)
		if err != nil {
			if errors.Is(err, ErrOTPNotFound) {
				return nil
			}
			return err
		}
		activeKey := s.activeKey(record.Purpose, record.Destination)
		active, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if active == id {
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.mapErr(err)
	}
	return nil
}

// Get returns the record regardless of its state.
func (s *OTPStore) Get(ctx context.Context, id string) (*OTPRecord, error) {
	record, err := s.load(ctx, s.redis, s.key(id))
	if err != nil {
		return nil, s.mapErr(err)
	}
	return record, nil
}

// ActiveID returns the id of the active record for purpose and destination.
func (s *OTPStore) ActiveID(ctx context.Context, purpose, destination string) (string, error) {
	id, err := s.redis.Get(ctx, s.activeKey(purpose, destination)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrOTPNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	return id, nil
}

// Stats counts live and dead records without reading codes out of the store.
func (s *OTPStore) Stats(ctx context.Context, now time.Time) (active, expired int, err error) {
	nowMs := now.UnixMilli()
	err = redisx.ScanKeys(ctx, s.redis, s.prefix+":*", func(key string) error {
		record, err := s.load(ctx, s.redis, key)
		if err != nil {
			if errors.Is(err, ErrOTPNotFound) {
				return nil
			}
			return err
		}
		switch {
		case record.Live(nowMs):
			active++
		case record.State != OTPStateUsed && nowMs > record.Deadline(s.verifiedIdle):
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, 0, s.mapErr(err)
	}
	return active, expired, nil
}

// Cleanup removes records past their deadline together with any active
// pointer still referencing them.
func (s *OTPStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	nowMs := now.UnixMilli()
	removed := 0

	err := redisx.ScanKeys(ctx, s.redis, s.prefix+":*", func(key string) error {
		return redisx.Watch(ctx, s.redis, func(tx *redis.Tx) error {
			record, err := s.load(ctx, tx, key)
			if err != nil {
				if errors.Is(err, ErrOTPNotFound) {
					return nil
				}
				return err
			}
			dead := nowMs > record.Deadline(s.verifiedIdle)
			if record.State == OTPStateCreated && record.Locked() {
				dead = true
			}
			if !dead {
				return nil
			}

			activeKey := s.activeKey(record.Purpose, record.Destination)
			active, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				if active == record.ID {
					pipe.Del(ctx, activeKey)
				}
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, key)
	})
	if err != nil {
		return removed, s.mapErr(err)
	}
	return removed, nil
}

func (s *OTPStore) load(ctx context.Context, g redisx.Getter, key string) (*OTPRecord, error) {
	record, err := redisx.Load(ctx, g, key, decodeOTPRecord)
	switch {
	case errors.Is(err, redisx.ErrCorruptRecord):
		// An unreadable code can never verify.
		return nil, ErrOTPNotFound
	case err != nil:
		return nil, err
	case record == nil:
		return nil, ErrOTPNotFound
	}
	return record, nil
}

func (s *OTPStore) mapErr(err error) error {
	switch {
	case errors.Is(err, ErrOTPNotFound),
		errors.Is(err, ErrOTPExpired),
		errors.Is(err, ErrOTPLocked),
		errors.Is(err, ErrOTPConsumed),
		errors.Is(err, ErrOTPMismatch),
		errors.Is(err, ErrOTPNotVerified),
		errors.Is(err, ErrOTPRedisUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
}

func encodeOTPRecord(record *OTPRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(otpRecordVersionV1)
	buf.WriteByte(byte(record.State))

	for _, v := range []any{record.Attempts, record.MaxAttempts, record.CreatedAt, record.ExpiresAt, record.VerifiedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	for _, field := range []string{record.ID, record.Purpose, record.Destination, record.Code} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeOTPRecord(data []byte) (*OTPRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpRecordVersionV1 {
		return nil, errors.New("invalid otp record version")
	}

	state, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if OTPState(state) > OTPStateUsed {
		return nil, errors.New("invalid otp record state")
	}

	record := &OTPRecord{State: OTPState(state)}
	for _, v := range []any{&record.Attempts, &record.MaxAttempts, &record.CreatedAt, &record.ExpiresAt, &record.VerifiedAt} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	for _, field := range []*string{&record.ID, &record.Purpose, &record.Destination, &record.Code} {
		if *field, err = readString(reader); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(record.ID) == "" {
		return nil, errors.New("invalid otp record id")
	}

	return record, nil
}
