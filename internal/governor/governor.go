// Package governor composes the rate limiter, tenant isolation manager,
// circuit breakers and fair queue into the admission path used by request
// and call handlers.
package governor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/churnguard/tenant-governor/internal/circuit"
	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/churnguard/tenant-governor/internal/ratelimit"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var errSessionEnded = errors.New("governor: call session already ended")

// Options wires a Governor.
type Options struct {
	Limiter  *ratelimit.Limiter
	Tenants  *tenant.Manager
	Breakers *circuit.Registry
	Queue    *fairqueue.Queue
	// Ledger is optional; without it no reconciliation source is kept.
	Ledger  *tenant.CallLedger
	Metrics *Metrics
	NowFn   func() time.Time
	NewID   func() string
}

// Governor is the admission control plane.
type Governor struct {
	limiter  *ratelimit.Limiter
	tenants  *tenant.Manager
	breakers *circuit.Registry
	queue    *fairqueue.Queue
	ledger   *tenant.CallLedger
	metrics  *Metrics
	nowFn    func() time.Time
	newID    func() string
}

// New constructs a Governor.
func New(opts Options) (*Governor, error) {
	if opts.Limiter == nil || opts.Tenants == nil || opts.Breakers == nil {
		return nil, fmt.Errorf("governor: limiter, tenants and breakers are required")
	}
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Governor{
		limiter:  opts.Limiter,
		tenants:  opts.Tenants,
		breakers: opts.Breakers,
		queue:    opts.Queue,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		nowFn:    nowFn,
		newID:    newID,
	}, nil
}

// Limiter returns the rate limiter.
func (g *Governor) Limiter() *ratelimit.Limiter { return g.limiter }

// Tenants returns the tenant isolation manager.
func (g *Governor) Tenants() *tenant.Manager { return g.tenants }

// Breakers returns the circuit breaker registry.
func (g *Governor) Breakers() *circuit.Registry { return g.breakers }

// Queue returns the fair queue, or nil when queuing is disabled.
func (g *Governor) Queue() *fairqueue.Queue { return g.queue }

// CheckRequest gates one API request against the tenant's api_rate_limit.
func (g *Governor) CheckRequest(ctx context.Context, tenantID string) (ratelimit.Result, error) {
	quota := g.tenants.GetQuota(tenantID)
	res, err := g.limiter.Check(ctx, tenantID, internalsettings.ResourceAPI, quota.APIRateLimit, 0)
	g.metrics.ObserveDecision(GateRequest, err)
	return res, err
}

// AdmitCall runs the call gates in order: minutes pre-flight, a free-slot
// pre-check, the calls rate limit, then slot acquisition. The returned
// session must be ended exactly once.
func (g *Governor) AdmitCall(ctx context.Context, tenantID string) (*CallSession, error) {
	session, err := g.admitCall(ctx, tenantID)
	g.metrics.ObserveDecision(GateCall, err)
	return session, err
}

func (g *Governor) admitCall(ctx context.Context, tenantID string) (*CallSession, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	tenantID = strings.TrimSpace(tenantID)
	// Read-only gates run first so a rejection does not spend the calls window.
	if errMinutes := g.tenants.CheckMinutes(ctx, tenantID); errMinutes != nil {
		return nil, errMinutes
	}
	if errFree := g.tenants.CheckCallSlot(ctx, tenantID); errFree != nil {
		return nil, errFree
	}
	if _, errRate := g.limiter.Check(ctx, tenantID, internalsettings.ResourceCalls, 0, 0); errRate != nil {
		return nil, errRate
	}
	slot, errSlot := g.tenants.AcquireCallSlot(ctx, tenantID)
	if errSlot != nil {
		return nil, errSlot
	}

	session := &CallSession{
		gov:       g,
		TenantID:  tenantID,
		CallID:    g.newID(),
		StartedAt: g.nowFn(),
		Degraded:  slot.Degraded,
	}
	if !slot.Degraded {
		if errLedger := g.ledger.Open(ctx, tenantID, session.CallID, session.StartedAt); errLedger != nil {
			if _, errRelease := g.tenants.ReleaseCallSlot(context.WithoutCancel(ctx), tenantID); errRelease != nil {
				log.WithError(errRelease).WithField("tenant_id", tenantID).Error("governor: release after ledger failure failed")
			}
			return nil, errLedger
		}
	}
	g.metrics.sessionStarted()
	return session, nil
}

// Defer places work on the fair queue and returns its position.
func (g *Governor) Defer(ctx context.Context, tenantID, itemID string, priority *int) (int, error) {
	if g.queue == nil {
		return 0, fmt.Errorf("governor: queue not configured")
	}
	if _, errEnqueue := g.queue.Enqueue(ctx, tenantID, itemID, priority); errEnqueue != nil {
		return 0, errEnqueue
	}
	pos, _, errPos := g.queue.Position(ctx, tenantID, itemID)
	return pos, errPos
}

// CallSession is one admitted call holding a concurrency slot.
type CallSession struct {
	gov *Governor

	TenantID  string
	CallID    string
	StartedAt time.Time
	// Degraded sessions were admitted under the fail-open policy and hold no slot.
	Degraded bool

	ended atomic.Bool
}

// Invoke runs fn behind the named dependency's circuit breaker.
func (s *CallSession) Invoke(ctx context.Context, dependency string, fn func(context.Context) error) error {
	return s.gov.breakers.Breaker(dependency).Execute(ctx, fn)
}

// End releases the slot, closes the ledger row and tracks the call's minutes.
// Only the first call has any effect; later calls return an error. Cleanup
// runs even when ctx is already cancelled.
func (s *CallSession) End(ctx context.Context, duration time.Duration) (tenant.MinutesUsage, error) {
	if !s.ended.CompareAndSwap(false, true) {
		return tenant.MinutesUsage{}, errSessionEnded
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.end(context.WithoutCancel(ctx), duration)
}

// Ended reports whether End has run.
func (s *CallSession) Ended() bool { return s.ended.Load() }

func (s *CallSession) end(ctx context.Context, duration time.Duration) (tenant.MinutesUsage, error) {
	g := s.gov
	var errs []error
	if !s.Degraded {
		if _, errRelease := g.tenants.ReleaseCallSlot(ctx, s.TenantID); errRelease != nil {
			errs = append(errs, errRelease)
		}
		if errLedger := g.ledger.Close(ctx, s.CallID); errLedger != nil {
			errs = append(errs, errLedger)
		}
	}

	minutes := max(duration, 0).Minutes()
	_, usage, errTrack := g.tenants.TrackMinutes(ctx, s.TenantID, minutes)
	if errTrack != nil {
		errs = append(errs, errTrack)
	}
	g.metrics.sessionEnded(g.tenants.GetQuota(s.TenantID).Plan, minutes)

	if len(errs) > 0 {
		errJoined := errors.Join(errs...)
		log.WithError(errJoined).WithFields(log.Fields{
			"tenant_id": s.TenantID,
			"call_id":   s.CallID,
		}).Warn("governor: call cleanup incomplete")
		return usage, errJoined
	}
	return usage, nil
}
