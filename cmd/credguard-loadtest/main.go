// Command credguard-loadtest drives the attempt ledger and OTP store with
// concurrent workers and checks the counters stayed exact under contention.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wareops/credguard"
	"github.com/wareops/credguard/mail"
	"github.com/wareops/credguard/userstore"
)

func main() {
	var (
		accounts    = flag.Int("accounts", 2000, "number of distinct login identities")
		codes       = flag.Int("codes", 2000, "number of OTPs to issue")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *accounts <= 0 || *codes <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "accounts, codes, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	cfg := credguard.DefaultConfig()
	cfg.Throttle.Enabled = false
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1

	engine, err := credguard.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(userstore.NewMemory()).
		WithMailer(mail.SenderFunc(func(context.Context, mail.Message) error { return nil })).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ids := make([]string, *codes)
	startSeed := time.Now()
	for i := range ids {
		issue, err := engine.GenerateOTP(ctx, fmt.Sprintf("user%d@example.com", i), credguard.PurposeRegistration)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue failed: %v\n", err)
			os.Exit(1)
		}
		ids[i] = issue.OTPID
	}
	fmt.Printf("issued %d codes in %s\n", len(ids), time.Since(startSeed).Round(time.Millisecond))

	ledgerStats, failures := runLedgerPhase(ctx, engine, *accounts, *ops, *concurrency)
	otpStats, mismatches := runOTPPhase(ctx, engine, ids, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("ledger", ledgerStats)
	printStats("otp", otpStats)

	ok := checkLedger(ctx, engine, failures, cfg.Lockout.Threshold)
	ok = checkOTP(mismatches, cfg.OTP.MaxAttempts) && ok
	if !ok {
		os.Exit(1)
	}
}

// runLedgerPhase records failures against random accounts and returns how
// many were accepted per account.
func runLedgerPhase(ctx context.Context, engine *credguard.Engine, accounts, ops, concurrency int) (phaseStats, []int64) {
	accepted := make([]int64, accounts)
	return runPhase(ops, concurrency, 7919, func(r *rand.Rand) error {
		idx := r.Intn(accounts)
		_, err := engine.RecordFailedAttempt(ctx, fmt.Sprintf("acct-%d", idx), "")
		if err == nil {
			atomic.AddInt64(&accepted[idx], 1)
		}
		return err
	}), accepted
}

// runOTPPhase submits wrong codes and counts the mismatches each record
// returned.
func runOTPPhase(ctx context.Context, engine *credguard.Engine, ids []string, ops, concurrency int) (phaseStats, []int64) {
	mismatches := make([]int64, len(ids))
	return runPhase(ops, concurrency, 6151, func(r *rand.Rand) error {
		idx := r.Intn(len(ids))
		// Ten digits never match a six-digit code.
		_, err := engine.VerifyOTP(ctx, ids[idx], "0000000000")
		switch {
		case errors.Is(err, credguard.ErrOTPMismatch):
			atomic.AddInt64(&mismatches[idx], 1)
			return nil
		case errors.Is(err, credguard.ErrOTPLocked):
			return nil
		}
		return err
	}), mismatches
}

func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				if int(atomic.AddInt64(&cursor, 1)) > ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func checkLedger(ctx context.Context, engine *credguard.Engine, accepted []int64, threshold int) bool {
	ok := true
	for i, n := range accepted {
		if n == 0 {
			continue
		}
		status, err := engine.CheckIfBlocked(ctx, fmt.Sprintf("acct-%d", i), "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "check acct-%d: %v\n", i, err)
			return false
		}
		if (n >= int64(threshold)) != status.Blocked {
			fmt.Fprintf(os.Stderr, "acct-%d: %d failures but blocked=%v\n", i, n, status.Blocked)
			ok = false
		}
	}
	return ok
}

func checkOTP(mismatches []int64, maxAttempts int) bool {
	ok := true
	for i, n := range mismatches {
		if n > int64(maxAttempts) {
			fmt.Fprintf(os.Stderr, "code %d accepted %d wrong guesses (cap %d)\n", i, n, maxAttempts)
			ok = false
		}
	}
	return ok
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
