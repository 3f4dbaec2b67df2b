package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func newTestRecord(id, destination, code string, createdAt time.Time) *OTPRecord {
	return &OTPRecord{
		ID:          id,
		Purpose:     "registration",
		Destination: destination,
		Code:        code,
		MaxAttempts: 3,
		CreatedAt:   createdAt.UnixMilli(),
		ExpiresAt:   createdAt.Add(10 * time.Minute).UnixMilli(),
	}
}

func TestOTPVerifyMismatchThenMatch(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	if _, err := store.Issue(ctx, newTestRecord("otp-1", "bob@example.com", "123456", t0), t0); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	record, err := store.Verify(ctx, "otp-1", "", "000000", t0.Add(time.Second))
	if !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected ErrOTPMismatch, got %v", err)
	}
	if record == nil || record.Remaining() != 2 {
		t.Fatalf("expected 2 remaining attempts, got %+v", record)
	}

	record, err = store.Verify(ctx, "otp-1", "", "123456", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if record.State != OTPStateVerified {
		t.Fatalf("expected verified state, got %v", record.State)
	}

	if _, err := store.Verify(ctx, "otp-1", "", "123456", t0.Add(3*time.Second)); !errors.Is(err, ErrOTPConsumed) {
		t.Fatalf("expected re-verify to fail with ErrOTPConsumed, got %v", err)
	}
}

func TestOTPExpiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("otp-exp", "a@example.com", "654321", t0), t0)

	if _, err := store.Verify(ctx, "otp-exp", "", "654321", t0.Add(10*time.Minute+time.Second)); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired, got %v", err)
	}
}

func TestOTPAttemptCapLocks(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("otp-lock", "a@example.com", "111111", t0), t0)

	for want := 2; want >= 0; want-- {
		record, err := store.Verify(ctx, "otp-lock", "", "999999", t0)
		if !errors.Is(err, ErrOTPMismatch) {
			t.Fatalf("expected ErrOTPMismatch, got %v", err)
		}
		if record.Remaining() != want {
			t.Fatalf("expected %d remaining, got %d", want, record.Remaining())
		}
	}

	if _, err := store.Verify(ctx, "otp-lock", "", "111111", t0); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected ErrOTPLocked even with correct code, got %v", err)
	}
}

func TestOTPIssueSupersedesPrevious(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("first", "a@example.com", "111111", t0), t0)
	superseded, err := store.Issue(ctx, newTestRecord("second", "a@example.com", "222222", t0), t0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if superseded != "first" {
		t.Fatalf("expected superseded id first, got %q", superseded)
	}

	if _, err := store.Verify(ctx, "first", "", "111111", t0); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected superseded record to be gone, got %v", err)
	}
	active, err := store.ActiveID(ctx, "registration", "a@example.com")
	if err != nil || active != "second" {
		t.Fatalf("expected active=second, got %q err=%v", active, err)
	}
}

func TestOTPPurposeIsolation(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("reg", "a@example.com", "111111", t0), t0)
	if _, err := store.Verify(ctx, "reg", "password-reset", "111111", t0); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected cross-purpose verify to fail with ErrOTPNotFound, got %v", err)
	}
}

func TestOTPMarkUsedLifecycle(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("use", "a@example.com", "111111", t0), t0)

	if _, err := store.MarkUsed(ctx, "use", t0); !errors.Is(err, ErrOTPNotVerified) {
		t.Fatalf("expected ErrOTPNotVerified before verify, got %v", err)
	}
	if _, err := store.Verify(ctx, "use", "", "111111", t0); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := store.MarkUsed(ctx, "use", t0.Add(time.Minute)); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}
	if _, err := store.MarkUsed(ctx, "use", t0.Add(time.Minute)); !errors.Is(err, ErrOTPConsumed) {
		t.Fatalf("expected second MarkUsed to fail with ErrOTPConsumed, got %v", err)
	}
	if _, err := store.Verify(ctx, "use", "", "111111", t0.Add(time.Minute)); !errors.Is(err, ErrOTPConsumed) {
		t.Fatalf("expected verify after use to fail with ErrOTPConsumed, got %v", err)
	}
	if _, err := store.ActiveID(ctx, "registration", "a@example.com"); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected active pointer to be released, got %v", err)
	}
}

func TestOTPVerifiedRecordIdleExpiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("idle", "a@example.com", "111111", t0), t0)
	if _, err := store.Verify(ctx, "idle", "", "111111", t0); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := store.MarkUsed(ctx, "idle", t0.Add(16*time.Minute)); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expected abandoned verified record to expire, got %v", err)
	}

	removed, err := store.Cleanup(ctx, t0.Add(16*time.Minute))
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected cleanup to remove abandoned record, removed %d", removed)
	}
}

func TestOTPStatsNeverReadsCodes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("old", "old@example.com", "111111", t0), t0)
	_, _ = store.Issue(ctx, newTestRecord("new", "new@example.com", "222222", t0.Add(9*time.Minute)), t0.Add(9*time.Minute))

	active, expired, err := store.Stats(ctx, t0.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if active != 1 || expired != 1 {
		t.Fatalf("expected active=1 expired=1, got active=%d expired=%d", active, expired)
	}
}

func TestOTPConcurrentWrongCodesNeverExceedCap(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewOTPStore(rdb, "cgo", 15*time.Minute, time.Hour)
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = store.Issue(ctx, newTestRecord("race", "a@example.com", "111111", t0), t0)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		mismatches int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Verify(ctx, "race", "", "000000", t0)
			if errors.Is(err, ErrOTPMismatch) {
				mu.Lock()
				mismatches++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if mismatches > 3 {
		t.Fatalf("expected at most 3 counted mismatches, got %d", mismatches)
	}
	record, err := store.Get(ctx, "race")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if int(record.Attempts) != mismatches || record.Attempts > record.MaxAttempts {
		t.Fatalf("attempts=%d mismatches=%d", record.Attempts, mismatches)
	}
}
