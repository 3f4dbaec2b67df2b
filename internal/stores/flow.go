package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wareops/credguard/internal/redisx"
)

var (
	ErrFlowNotFound         = errors.New("flow session not found")
	ErrFlowRedisUnavailable = errors.New("flow redis unavailable")
)

// FlowRecord is the server-side state of one password reset or registration
// session. It is stored as JSON so new fields can be added without a
// version bump.
type FlowRecord struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Step         string `json:"step"`
	Destination  string `json:"destination,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	OTPID        string `json:"otp_id,omitempty"`
	Username     string `json:"username,omitempty"`
	FullName     string `json:"full_name,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
	OTPVerified  bool   `json:"otp_verified,omitempty"`
	ClaimedFrom  string `json:"claimed_from,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	LastCode     string `json:"last_code,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// abortErr carries an error raised by an Update callback out of the
// transaction untouched.
type abortErr struct {
	err error
}

func (a abortErr) Error() string { return a.err.Error() }

type FlowStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewFlowStore creates a store whose sessions expire after ttl of inactivity.
func NewFlowStore(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *FlowStore {
	if prefix == "" {
		prefix = "cgf"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &FlowStore{redis: redisClient, prefix: prefix, ttl: ttl}
}

func (s *FlowStore) key(id string) string {
	return s.prefix + ":" + id
}

// Create stores a fresh record. It fails if the id is already taken.
func (s *FlowStore) Create(ctx context.Context, record *FlowRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, s.key(record.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlowRedisUnavailable, err)
	}
	if !ok {
		return errors.New("flow id collision")
	}
	return nil
}

// Get loads a record.
func (s *FlowStore) Get(ctx context.Context, id string) (*FlowRecord, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFlowRedisUnavailable, err)
	}
	var record FlowRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, ErrFlowNotFound
	}
	return &record, nil
}

// Update applies fn to the stored record under WATCH and refreshes the idle
// TTL. If fn returns an error nothing is written and that error is returned.
func (s *FlowStore) Update(ctx context.Context, id string, fn func(*FlowRecord) error) (*FlowRecord, error) {
	key := s.key(id)

	var out *FlowRecord
	err := redisx.Watch(ctx, s.redis, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrFlowNotFound
			}
			return err
		}
		var record FlowRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return ErrFlowNotFound
		}
		if err := fn(&record); err != nil {
			return abortErr{err: err}
		}
		updated, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = &record
		return nil
	}, key)
	if err != nil {
		var abort abortErr
		if errors.As(err, &abort) {
			return nil, abort.err
		}
		if errors.Is(err, ErrFlowNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFlowRedisUnavailable, err)
	}
	return out, nil
}

// Delete removes a record. Missing records are not an error.
func (s *FlowStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrFlowRedisUnavailable, err)
	}
	return nil
}
