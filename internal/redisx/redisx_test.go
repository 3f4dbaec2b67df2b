package redisx

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"

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

func decodeInt(data []byte) (int, error) {
	return strconv.Atoi(string(data))
}

func TestLoad(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	n, err := Load(ctx, rdb, "missing", decodeInt)
	if err != nil || n != 0 {
		t.Fatalf("expected zero value for a missing key, got %d %v", n, err)
	}

	mr.Set("good", "42")
	if n, err = Load(ctx, rdb, "good", decodeInt); err != nil || n != 42 {
		t.Fatalf("expected 42, got %d %v", n, err)
	}

	mr.Set("bad", "\x01\xff")
	if _, err = Load(ctx, rdb, "bad", decodeInt); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestLoadSurfacesBackendErrors(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()

	if _, err := Load(context.Background(), rdb, "any", decodeInt); err == nil || errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestScanKeysVisitsEveryMatch(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	want := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		key := "p:" + strconv.Itoa(i)
		mr.Set(key, "1")
		want = append(want, key)
	}
	mr.Set("other:1", "1")

	var got []string
	err := ScanKeys(context.Background(), rdb, "p:*", func(key string) error {
		got = append(got, key)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanKeys failed: %v", err)
	}
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected key %q at %d", got[i], i)
		}
	}
}

func TestWatchGivesUpAfterRetries(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	calls := 0
	err := Watch(ctx, rdb, func(tx *redis.Tx) error {
		calls++
		if _, err := tx.Get(ctx, "k").Result(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		// A write from outside the transaction invalidates the WATCH.
		if err := rdb.Set(ctx, "k", calls, 0).Err(); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", "mine", 0)
			return nil
		})
		return err
	}, "k")
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if calls != maxTxRetries {
		t.Fatalf("expected %d attempts, got %d", maxTxRetries, calls)
	}
}
