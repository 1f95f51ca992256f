package fairqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/store"
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

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	if opts.NowFn == nil {
		opts.NowFn = clock.Now
	}
	st := store.NewWithClient(client, store.Options{Prefix: "gov"})
	return New(st, opts), mr, clock
}

func intPtr(v int) *int { return &v }

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	base := clock.Now()

	steps := []struct {
		tenant, item string
		priority     int
		offset       time.Duration
	}{
		{"t-a", "A", 5, time.Second},
		{"t-b", "B", 10, 2 * time.Second},
		{"t-c", "C", 5, 3 * time.Second},
	}
	for _, s := range steps {
		clock.Set(base.Add(s.offset))
		if _, err := q.Enqueue(ctx, s.tenant, s.item, intPtr(s.priority)); err != nil {
			t.Fatalf("enqueue %s: %v", s.item, err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		item, ok, err := q.TryDequeue(ctx)
		if err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
		got = append(got, item.ItemID)
	}
	if got[0] != "B" || got[1] != "A" || got[2] != "C" {
		t.Fatalf("expected B,A,C got %v", got)
	}
	if _, ok, err := q.TryDequeue(ctx); ok || err != nil {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}
}

func TestDequeueDecodesItem(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "t1", "job-1", intPtr(7)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, ok, err := q.TryDequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if item.TenantID != "t1" || item.ItemID != "job-1" || item.Priority != 7 {
		t.Fatalf("unexpected item %+v", item)
	}
	if !item.EnqueuedAt.Equal(clock.Now()) {
		t.Fatalf("expected enqueue time %s, got %s", clock.Now(), item.EnqueuedAt)
	}
}

func TestSameSecondEnqueuesStayFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	ids := []string{"first", "second", "third", "fourth"}
	for _, id := range ids {
		if _, err := q.Enqueue(ctx, "t1", id, intPtr(3)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for i, id := range ids {
		pos, ok, err := q.Position(ctx, "t1", id)
		if err != nil || !ok || pos != i {
			t.Fatalf("expected %s at %d, got %d ok=%v err=%v", id, i, pos, ok, err)
		}
	}
	for _, want := range ids {
		item, _, err := q.TryDequeue(ctx)
		if err != nil || item.ItemID != want {
			t.Fatalf("expected %s, got %+v err=%v", want, item, err)
		}
	}
}

func TestPositionAndLength(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	mustEnqueue := func(tenant, item string, priority int) {
		t.Helper()
		if _, err := q.Enqueue(ctx, tenant, item, intPtr(priority)); err != nil {
			t.Fatalf("enqueue %s: %v", item, err)
		}
	}
	mustEnqueue("t1", "a", 1)
	mustEnqueue("t1", "b", 1)
	mustEnqueue("t2", "c", 10)

	if pos, ok, _ := q.Position(ctx, "t1", "a"); !ok || pos != 1 {
		t.Fatalf("expected a at 1, got %d ok=%v", pos, ok)
	}
	if pos, ok, _ := q.Position(ctx, "t2", "c"); !ok || pos != 0 {
		t.Fatalf("expected c at 0, got %d ok=%v", pos, ok)
	}
	if _, ok, _ := q.Position(ctx, "t1", "missing"); ok {
		t.Fatalf("expected missing item to report not queued")
	}

	if n, _ := q.Len(ctx, ""); n != 3 {
		t.Fatalf("expected total 3, got %d", n)
	}
	if n, _ := q.Len(ctx, "t1"); n != 2 {
		t.Fatalf("expected t1 length 2, got %d", n)
	}
	if n, _ := q.Len(ctx, "nobody"); n != 0 {
		t.Fatalf("expected unknown tenant length 0, got %d", n)
	}

	if _, _, err := q.TryDequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if n, _ := q.Len(ctx, "t2"); n != 0 {
		t.Fatalf("expected t2 drained, got %d", n)
	}
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "t1", "job", nil)
	if err != nil || !added {
		t.Fatalf("expected first enqueue to add, added=%v err=%v", added, err)
	}
	added, err = q.Enqueue(ctx, "t1", "job", intPtr(9))
	if err != nil || added {
		t.Fatalf("expected duplicate enqueue to be a no-op, added=%v err=%v", added, err)
	}
	if n, _ := q.Len(ctx, "t1"); n != 1 {
		t.Fatalf("expected single entry, got %d", n)
	}
}

func TestRemove(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "t1", "job", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if removed, err := q.Remove(ctx, "t1", "job"); err != nil || !removed {
		t.Fatalf("expected removal, removed=%v err=%v", removed, err)
	}
	if removed, err := q.Remove(ctx, "t1", "job"); err != nil || removed {
		t.Fatalf("expected second removal to report false, removed=%v err=%v", removed, err)
	}
	if n, _ := q.Len(ctx, ""); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if n, _ := q.Len(ctx, "t1"); n != 0 {
		t.Fatalf("expected empty tenant count, got %d", n)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{PriorityOf: func(tenantID string) int {
		if tenantID == "vip" {
			return 10
		}
		return 0
	}})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "t1", "job", intPtr(1001)); err == nil {
		t.Fatalf("expected priority above range to be rejected")
	}
	if _, err := q.Enqueue(ctx, "plain", "job", nil); err == nil {
		t.Fatalf("expected resolved priority 0 to be rejected")
	}
	if _, err := q.Enqueue(ctx, "", "job", nil); err == nil {
		t.Fatalf("expected missing tenant to be rejected")
	}
	if _, err := q.Enqueue(ctx, "t1", "a\x1fb", nil); err == nil {
		t.Fatalf("expected separator in item id to be rejected")
	}

	if _, err := q.Enqueue(ctx, "vip", "job", nil); err != nil {
		t.Fatalf("enqueue vip: %v", err)
	}
	item, _, err := q.TryDequeue(ctx)
	if err != nil || item.Priority != 10 {
		t.Fatalf("expected resolved priority 10, got %+v err=%v", item, err)
	}
}

func TestDequeueWaitsThenGivesUp(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{PollTimeout: 150 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	_, ok, err := q.Dequeue(ctx)
	if err != nil || ok {
		t.Fatalf("expected empty dequeue, ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected dequeue to poll before giving up, returned after %s", elapsed)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), "t1", "late", nil)
	}()
	item, ok, err := q.Dequeue(ctx)
	if err != nil || !ok || item.ItemID != "late" {
		t.Fatalf("expected late item, got %+v ok=%v err=%v", item, ok, err)
	}
}

func TestScoreOrdering(t *testing.T) {
	early := time.Unix(1_700_000_000, 0)
	late := early.Add(time.Hour)
	if Score(10, late) <= Score(1, early) {
		t.Fatalf("expected higher priority to outrank earlier enqueue")
	}
	if Score(5, early) <= Score(5, late) {
		t.Fatalf("expected earlier enqueue to outrank within a tier")
	}
	if Score(1000, late) <= 0 {
		t.Fatalf("expected score to stay positive at the top of the range")
	}
}

func TestStoreFailureSurfaces(t *testing.T) {
	q, mr, _ := newTestQueue(t, Options{})
	mr.Close()
	_, err := q.Enqueue(context.Background(), "t1", "job", nil)
	if admission.KindOf(err) != admission.KindStoreUnavailable {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestRequeueKeepsPlaceWithinTier(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	base := clock.Now()

	if _, err := q.Enqueue(ctx, "t-a", "first", intPtr(5)); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	first, ok, err := q.TryDequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue first: ok=%v err=%v", ok, err)
	}

	clock.Set(base.Add(time.Minute))
	if _, err := q.Enqueue(ctx, "t-b", "later", intPtr(5)); err != nil {
		t.Fatalf("enqueue later: %v", err)
	}
	clock.Set(base.Add(2 * time.Minute))
	added, err := q.Requeue(ctx, first)
	if err != nil || !added {
		t.Fatalf("requeue: added=%v err=%v", added, err)
	}

	pos, ok, err := q.Position(ctx, "t-a", "first")
	if err != nil || !ok || pos != 0 {
		t.Fatalf("expected requeued item ahead of later arrivals, pos=%d ok=%v err=%v", pos, ok, err)
	}
	item, _, _ := q.TryDequeue(ctx)
	if item.ItemID != "first" || !item.EnqueuedAt.Equal(base) || item.Priority != 5 {
		t.Fatalf("expected original enqueue time and priority, got %+v", item)
	}
}
