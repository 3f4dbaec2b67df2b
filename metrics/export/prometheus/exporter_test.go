package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wareops/credguard"
	"github.com/wareops/credguard/mail"
	"github.com/wareops/credguard/userstore"
)

type fakeSource struct {
	snapshot credguard.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() credguard.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                       { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := New(fakeSource{
		snapshot: credguard.MetricsSnapshot{
			Counters:   map[credguard.MetricID]uint64{},
			Histograms: map[credguard.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output, got:\n%s", got)
	}
}

func TestRenderCountersAndHistogram(t *testing.T) {
	exp := New(fakeSource{
		snapshot: credguard.MetricsSnapshot{
			Counters: map[credguard.MetricID]uint64{
				credguard.MetricLockoutTriggered: 4,
			},
			Histograms: map[credguard.MetricID][]uint64{
				credguard.MetricDeliveryLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"credguard_lockout_triggered_total 4",
		"credguard_otp_issued_total 0",
		`credguard_delivery_latency_seconds_bucket{le="0.05"} 1`,
		`credguard_delivery_latency_seconds_bucket{le="+Inf"} 36`,
		"credguard_delivery_latency_seconds_count 36",
		"credguard_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRenderFromEngine(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine, err := credguard.New().
		WithRedis(rdb).
		WithUserStore(userstore.NewMemory()).
		WithMailer(mail.SenderFunc(func(context.Context, mail.Message) error { return nil })).
		WithMetricsEnabled(true).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	for i := 0; i < 3; i++ {
		if _, err := engine.RecordFailedAttempt(context.Background(), "dave", ""); err != nil {
			t.Fatalf("RecordFailedAttempt failed: %v", err)
		}
	}

	out := New(engine).Render()
	if !strings.Contains(out, "credguard_login_failure_total 3") || !strings.Contains(out, "credguard_lockout_triggered_total 1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "credguard_delivery_latency_seconds") {
		t.Fatal("histogram should be absent while latency histograms are off")
	}
}

func TestHandlerContentType(t *testing.T) {
	exp := New(fakeSource{
		snapshot: credguard.MetricsSnapshot{
			Counters:   map[credguard.MetricID]uint64{credguard.MetricLoginSuccess: 1},
			Histograms: map[credguard.MetricID][]uint64{},
		},
	})

	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
