// Package govtest builds a Governor over miniredis and a temp sqlite database
// for handler tests.
package govtest

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/churnguard/tenant-governor/internal/circuit"
	"github.com/churnguard/tenant-governor/internal/db"
	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/churnguard/tenant-governor/internal/governor"
	"github.com/churnguard/tenant-governor/internal/ratelimit"
	"github.com/churnguard/tenant-governor/internal/store"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Env is a fully wired governor with handles on its backends.
type Env struct {
	Governor   *governor.Governor
	Metrics    *governor.Metrics
	Store      *store.Store
	DB         *gorm.DB
	Redis      *miniredis.Miniredis
	Clock      *Clock
	Reconciler *tenant.Reconciler
}

// New builds an Env and registers cleanup on t.
func New(t testing.TB) *Env {
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

	clock := &Clock{now: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)}
	quotas := tenant.NewQuotas(nil, tenant.NewGormQuotaStore(conn))
	manager := tenant.NewManager(st, quotas, clock.Now)
	metrics := governor.NewMetrics()
	breakers := circuit.NewRegistry(circuit.Settings{FailureThreshold: 2, Timeout: time.Minute}, nil, clock.Now)
	breakers.OnTransition(metrics.CircuitHook())
	queue := fairqueue.New(st, fairqueue.Options{
		PollTimeout: 100 * time.Millisecond,
		PriorityOf:  func(tenantID string) int { return quotas.Get(tenantID).Priority },
		NowFn:       clock.Now,
	})
	ledger := tenant.NewCallLedger(conn)

	gov, err := governor.New(governor.Options{
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
	return &Env{
		Governor:   gov,
		Metrics:    metrics,
		Store:      st,
		DB:         conn,
		Redis:      mr,
		Clock:      clock,
		Reconciler: tenant.NewReconciler(manager, ledger, time.Minute, time.Hour),
	}
}
