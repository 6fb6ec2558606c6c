package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func okCheck(ctx context.Context) error { return nil }

func failCheck(ctx context.Context) error { return errors.New("connection refused") }

func degradedCheck(ctx context.Context) error { return ErrDegraded }

func TestRunChecksRecordsResults(t *testing.T) {
	h := NewHandler(DefaultConfig())
	defer h.Stop()
	h.RegisterCheck("store", okCheck)
	h.RegisterCheck("node", failCheck)
	h.runChecks()

	rec := httptest.NewRecorder()
	h.HealthHandler()(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusUnhealthy {
		t.Errorf("overall = %s, want unhealthy", resp.Status)
	}
	if c := resp.Components["store"]; c == nil || c.Status != StatusHealthy {
		t.Errorf("store component = %+v", resp.Components["store"])
	}
	if c := resp.Components["node"]; c == nil || c.Status != StatusUnhealthy || c.Message != "connection refused" {
		t.Errorf("node component = %+v", resp.Components["node"])
	}
	if resp.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestReadinessStaysUpWhenDegraded(t *testing.T) {
	h := NewHandler(DefaultConfig())
	defer h.Stop()
	h.RegisterCheck("jobs", degradedCheck)
	h.runChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Fatalf("readyz with degraded component = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HealthHandler()(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Fatalf("health with degraded component = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("overall = %s, want degraded", resp.Status)
	}
}

func TestReadinessFlipsWhenUnhealthy(t *testing.T) {
	h := NewHandler(DefaultConfig())
	defer h.Stop()
	h.RegisterCheck("jobs", degradedCheck)
	h.RegisterCheck("store", failCheck)
	h.runChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 503 {
		t.Fatalf("readyz with unhealthy component = %d, want 503", rec.Code)
	}
}

func TestLivenessAlwaysUp(t *testing.T) {
	h := NewHandler(DefaultConfig())
	defer h.Stop()
	h.RegisterCheck("store", failCheck)
	h.runChecks()

	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
}

func TestComponentsReadHealthyBeforeFirstProbe(t *testing.T) {
	h := NewHandler(DefaultConfig())
	defer h.Stop()
	h.RegisterCheck("store", failCheck)

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Fatalf("readyz before first probe = %d, want 200", rec.Code)
	}
}

func TestStartRunsChecksImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	h := NewHandler(cfg)

	var probes atomic.Int64
	h.RegisterCheck("counter", func(ctx context.Context) error {
		probes.Add(1)
		return nil
	})

	h.Start()
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for probes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if probes.Load() == 0 {
		t.Fatal("initial check round never ran")
	}
}

func TestStratumCheck(t *testing.T) {
	running := StratumCheck(func() bool { return true })
	if err := running(context.Background()); err != nil {
		t.Fatalf("running stratum reported %v", err)
	}

	stopped := StratumCheck(func() bool { return false })
	if err := stopped(context.Background()); !errors.Is(err, ErrStratumNotRunning) {
		t.Fatalf("stopped stratum reported %v", err)
	}
}

func TestJobFreshnessCheck(t *testing.T) {
	fresh := JobFreshnessCheck(func(ctx context.Context) (time.Time, error) {
		return time.Now(), nil
	}, time.Minute)
	if err := fresh(context.Background()); err != nil {
		t.Fatalf("fresh job reported %v", err)
	}

	stale := JobFreshnessCheck(func(ctx context.Context) (time.Time, error) {
		return time.Now().Add(-time.Hour), nil
	}, time.Minute)
	err := stale(context.Background())
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("stale job reported %v, want ErrDegraded", err)
	}

	broken := JobFreshnessCheck(func(ctx context.Context) (time.Time, error) {
		return time.Time{}, errors.New("no current job")
	}, time.Minute)
	if err := broken(context.Background()); err == nil || errors.Is(err, ErrDegraded) {
		t.Fatalf("lookup failure reported %v, want hard error", err)
	}
}

func TestPingCheck(t *testing.T) {
	boom := errors.New("boom")
	check := PingCheck(func(ctx context.Context) error { return boom })
	if err := check(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("PingCheck = %v, want boom", err)
	}
}
