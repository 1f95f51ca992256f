package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatcherDrainsInPriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, high := 1, 10
	steps := []struct {
		tenant, item string
		priority     *int
	}{
		{"t-a", "A", &low},
		{"t-b", "B", &high},
		{"t-c", "C", &low},
	}
	for _, s := range steps {
		if _, err := f.gov.Defer(ctx, s.tenant, s.item, s.priority); err != nil {
			t.Fatalf("defer %s: %v", s.item, err)
		}
		f.clock.Advance(time.Second)
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	d, err := NewDispatcher(f.gov, DispatcherOptions{
		Workers: 1,
		Rate:    1000,
		Handler: func(_ context.Context, item fairqueue.Item) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, item.ItemID)
			if len(order) == len(steps) {
				close(done)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(runCtx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not drain the queue")
	}
	cancel()
	if errRun := <-errCh; errRun != nil {
		t.Fatalf("run: %v", errRun)
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "B" || order[1] != "A" || order[2] != "C" {
		t.Fatalf("expected B,A,C got %v", order)
	}
	for _, tenantID := range []string{"t-a", "t-b", "t-c"} {
		if n, _ := f.gov.Tenants().ConcurrentCalls(ctx, tenantID); n != 0 {
			t.Fatalf("expected %s slot released, got %d", tenantID, n)
		}
	}
}

func TestDispatchRequeuesOnGateRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	max := f.gov.Tenants().GetQuota("t1").MaxConcurrentCalls
	for i := 0; i < max; i++ {
		if _, err := f.gov.Tenants().AcquireCallSlot(ctx, "t1"); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}

	ran := false
	d, err := NewDispatcher(f.gov, DispatcherOptions{Handler: func(context.Context, fairqueue.Item) error {
		ran = true
		return nil
	}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	d.sleep = func(context.Context, time.Duration) {}

	enqueuedAt := f.clock.Now().Add(-time.Minute).Truncate(time.Second)
	if d.Dispatch(ctx, fairqueue.Item{TenantID: "t1", ItemID: "job", Priority: 4, EnqueuedAt: enqueuedAt}) {
		t.Fatalf("expected dispatch to be rejected")
	}
	d.parked.Wait()
	if ran {
		t.Fatalf("expected handler not to run")
	}
	if n, _ := f.gov.Limiter().Usage(ctx, "t1", "calls", time.Hour); n != 0 {
		t.Fatalf("expected a full pool not to spend the calls window, got %d", n)
	}
	item, ok, err := f.gov.Queue().TryDequeue(ctx)
	if err != nil || !ok || item.ItemID != "job" || item.Priority != 4 || !item.EnqueuedAt.Equal(enqueuedAt) {
		t.Fatalf("expected item requeued with its priority and enqueue time, got %+v ok=%v err=%v", item, ok, err)
	}
}

func TestDispatchDoesNotRetryHandlerFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := NewDispatcher(f.gov, DispatcherOptions{
		Dependency: "twilio",
		Handler: func(context.Context, fairqueue.Item) error {
			return errors.New("carrier rejected")
		},
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	d.sleep = func(context.Context, time.Duration) {}

	if !d.Dispatch(ctx, fairqueue.Item{TenantID: "t1", ItemID: "job", Priority: 1}) {
		t.Fatalf("expected handler to run")
	}
	if n, _ := f.gov.Queue().Len(ctx, ""); n != 0 {
		t.Fatalf("expected failed item not to be requeued, got %d", n)
	}
	stats := f.gov.Breakers().Breaker("twilio").Stats()
	if stats.TotalFailures != 1 {
		t.Fatalf("expected failure recorded on breaker, got %+v", stats)
	}
	if n, _ := f.gov.Tenants().ConcurrentCalls(ctx, "t1"); n != 0 {
		t.Fatalf("expected slot released after failure, got %d", n)
	}
}

func TestDispatchRequeuesWhenCircuitOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.gov.Breakers().Breaker("odoo")
	for i := 0; i < 2; i++ {
		b.Allow()
		b.RecordFailure(errors.New("down"))
	}

	d, err := NewDispatcher(f.gov, DispatcherOptions{
		Dependency: "odoo",
		Handler:    func(context.Context, fairqueue.Item) error { return nil },
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	var mu sync.Mutex
	var waits []time.Duration
	d.sleep = func(_ context.Context, wait time.Duration) {
		mu.Lock()
		waits = append(waits, wait)
		mu.Unlock()
	}

	if d.Dispatch(ctx, fairqueue.Item{TenantID: "t1", ItemID: "sync", Priority: 2}) {
		t.Fatalf("expected open circuit to block the handler")
	}
	d.parked.Wait()
	mu.Lock()
	if len(waits) != 1 || waits[0] != time.Minute {
		t.Fatalf("expected the item parked for the full breaker timeout, got %v", waits)
	}
	mu.Unlock()
	if n, _ := f.gov.Queue().Len(ctx, "t1"); n != 1 {
		t.Fatalf("expected item back on the queue, got %d", n)
	}
	if n, _ := f.gov.Tenants().ConcurrentCalls(ctx, "t1"); n != 0 {
		t.Fatalf("expected slot released, got %d", n)
	}
}

func TestNewDispatcherRequiresHandler(t *testing.T) {
	f := newFixture(t)
	if _, err := NewDispatcher(f.gov, DispatcherOptions{}); err == nil {
		t.Fatalf("expected missing handler error")
	}
}

func TestDispatchDropsItemsForTenantsOutOfMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.gov.Tenants().TrackMinutes(ctx, "t1", 600); err != nil {
		t.Fatalf("track: %v", err)
	}

	d, err := NewDispatcher(f.gov, DispatcherOptions{Handler: func(context.Context, fairqueue.Item) error {
		t.Fatalf("handler must not run for a tenant out of minutes")
		return nil
	}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	d.sleep = func(context.Context, time.Duration) {}

	for i := 0; i < 100; i++ {
		if d.Dispatch(ctx, fairqueue.Item{TenantID: "t1", ItemID: "job", Priority: 1}) {
			t.Fatalf("expected dispatch %d to be rejected", i)
		}
	}
	d.parked.Wait()

	if n, _ := f.gov.Limiter().Usage(ctx, "t1", "calls", time.Hour); n != 0 {
		t.Fatalf("expected quota rejections not to spend the calls window, got %d", n)
	}
	if n, _ := f.gov.Queue().Len(ctx, "t1"); n != 0 {
		t.Fatalf("expected the item dropped rather than requeued, got %d", n)
	}
	if got := testutil.ToFloat64(f.metrics.decisions.WithLabelValues(GateDispatch, "quota_exceeded")); got != 100 {
		t.Fatalf("expected 100 quota_exceeded dispatch decisions, got %v", got)
	}
}
