package governor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/circuit"
	"github.com/churnguard/tenant-governor/internal/db"
	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/churnguard/tenant-governor/internal/ratelimit"
	"github.com/churnguard/tenant-governor/internal/store"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	gov     *Governor
	metrics *Metrics
	mr      *miniredis.Miniredis
	clock   *testClock
	ledger  *tenant.CallLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewWithClient(client, store.Options{Prefix: "gov"})

	conn, err := db.Open(filepath.Join(t.TempDir(), "governor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})

	clock := &testClock{now: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)}
	quotas := tenant.NewQuotas(nil, tenant.NewGormQuotaStore(conn))
	manager := tenant.NewManager(st, quotas, clock.Now)
	metrics := NewMetrics()
	breakers := circuit.NewRegistry(circuit.Settings{FailureThreshold: 2, Timeout: time.Minute}, nil, clock.Now)
	breakers.OnTransition(metrics.CircuitHook())
	queue := fairqueue.New(st, fairqueue.Options{
		PollTimeout: 100 * time.Millisecond,
		PriorityOf:  func(tenantID string) int { return quotas.Get(tenantID).Priority },
		NowFn:       clock.Now,
	})
	metrics.WatchQueue(queue)
	ledger := tenant.NewCallLedger(conn)

	gov, err := New(Options{
		Limiter:  ratelimit.NewLimiter(st, ratelimit.DefaultPolicies(), clock.Now),
		Tenants:  manager,
		Breakers: breakers,
		Queue:    queue,
		Ledger:   ledger,
		Metrics:  metrics,
		NowFn:    clock.Now,
	})
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	return &fixture{gov: gov, metrics: metrics, mr: mr, clock: clock, ledger: ledger}
}

func TestCheckRequestUsesTenantRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := f.gov.Tenants().GetQuota("t1").APIRateLimit

	for i := 0; i < limit; i++ {
		if _, err := f.gov.CheckRequest(ctx, "t1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	res, err := f.gov.CheckRequest(ctx, "t1")
	if admission.KindOf(err) != admission.KindRateLimited || res.Allowed {
		t.Fatalf("expected rate limited past %d, got %+v err=%v", limit, res, err)
	}
	if got := testutil.ToFloat64(f.metrics.decisions.WithLabelValues(GateRequest, "rate_limited")); got != 1 {
		t.Fatalf("expected one rate_limited decision, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.decisions.WithLabelValues(GateRequest, "admitted")); got != float64(limit) {
		t.Fatalf("expected %d admitted decisions, got %v", limit, got)
	}
}

func TestCallSessionEndsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.gov.AdmitCall(ctx, "t1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if n, _ := f.gov.Tenants().ConcurrentCalls(ctx, "t1"); n != 1 {
		t.Fatalf("expected one slot held, got %d", n)
	}
	counts, _ := f.ledger.CountByTenant(ctx)
	if counts["t1"] != 1 {
		t.Fatalf("expected ledger row, got %v", counts)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	usage, err := session.End(cancelled, 3*time.Minute)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if usage.DailyUsed != 3 {
		t.Fatalf("expected 3 minutes tracked, got %+v", usage)
	}
	if !session.Ended() {
		t.Fatalf("expected session marked ended")
	}
	if _, err := session.End(ctx, time.Minute); !errors.Is(err, errSessionEnded) {
		t.Fatalf("expected second end to fail, got %v", err)
	}
	if n, _ := f.gov.Tenants().ConcurrentCalls(ctx, "t1"); n != 0 {
		t.Fatalf("expected slot released, got %d", n)
	}
	counts, _ = f.ledger.CountByTenant(ctx)
	if counts["t1"] != 0 {
		t.Fatalf("expected ledger row closed, got %v", counts)
	}
	if got := testutil.ToFloat64(f.metrics.activeSessions); got != 0 {
		t.Fatalf("expected no active sessions, got %v", got)
	}
}

func TestAdmitCallRejectsPastConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	max := f.gov.Tenants().GetQuota("t1").MaxConcurrentCalls

	sessions := make([]*CallSession, 0, max)
	for i := 0; i < max; i++ {
		s, err := f.gov.AdmitCall(ctx, "t1")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		sessions = append(sessions, s)
	}
	_, err := f.gov.AdmitCall(ctx, "t1")
	var limitErr *admission.ConcurrencyLimitExceededError
	if !errors.As(err, &limitErr) || limitErr.Max != max {
		t.Fatalf("expected concurrency rejection, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.decisions.WithLabelValues(GateCall, "concurrency_limited")); got != 1 {
		t.Fatalf("expected one concurrency_limited decision, got %v", got)
	}

	if _, err := sessions[0].End(ctx, time.Minute); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := f.gov.AdmitCall(ctx, "t1"); err != nil {
		t.Fatalf("expected a freed slot to admit, got %v", err)
	}
}

func TestAdmitCallRejectsExhaustedMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.gov.Tenants().TrackMinutes(ctx, "t1", 500); err != nil {
		t.Fatalf("track: %v", err)
	}
	_, err := f.gov.AdmitCall(ctx, "t1")
	if admission.KindOf(err) != admission.KindQuotaExceeded {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if n, _ := f.gov.Tenants().ConcurrentCalls(ctx, "t1"); n != 0 {
		t.Fatalf("expected no slot taken on quota rejection, got %d", n)
	}
}

func TestInvokeOpensCircuitAndPublishesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session, err := f.gov.AdmitCall(ctx, "t1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	defer func() { _, _ = session.End(ctx, 0) }()

	boom := errors.New("provider down")
	for i := 0; i < 2; i++ {
		if errInvoke := session.Invoke(ctx, "ultravox", func(context.Context) error { return boom }); !errors.Is(errInvoke, boom) {
			t.Fatalf("expected provider error, got %v", errInvoke)
		}
	}
	called := false
	errInvoke := session.Invoke(ctx, "ultravox", func(context.Context) error {
		called = true
		return nil
	})
	if admission.KindOf(errInvoke) != admission.KindCircuitOpen || called {
		t.Fatalf("expected short-circuit, got %v called=%v", errInvoke, called)
	}
	if got := testutil.ToFloat64(f.metrics.circuitState.WithLabelValues("ultravox")); got != float64(circuit.StateOpen) {
		t.Fatalf("expected open gauge, got %v", got)
	}
}

func TestDeferReportsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if pos, err := f.gov.Defer(ctx, "t1", "job-1", nil); err != nil || pos != 0 {
		t.Fatalf("expected position 0, got %d err=%v", pos, err)
	}
	if pos, err := f.gov.Defer(ctx, "t1", "job-2", nil); err != nil || pos != 1 {
		t.Fatalf("expected position 1, got %d err=%v", pos, err)
	}
	vip := 10
	if pos, err := f.gov.Defer(ctx, "t2", "job-3", &vip); err != nil || pos != 0 {
		t.Fatalf("expected higher priority at front, got %d err=%v", pos, err)
	}
	if n, err := f.gov.Queue().Len(ctx, ""); err != nil || n != 3 {
		t.Fatalf("expected 3 queued, got %d err=%v", n, err)
	}
}
