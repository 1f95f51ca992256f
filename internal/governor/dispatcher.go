package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/churnguard/tenant-governor/internal/ratelimit"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	dispatchPaceKey = "dispatch"
	// minRequeueBackoff is the park time for rejections without a retry hint.
	minRequeueBackoff = 500 * time.Millisecond
	storeErrorBackoff = 500 * time.Millisecond
)

// Handler performs the queued work for an admitted item.
type Handler func(ctx context.Context, item fairqueue.Item) error

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Workers int
	// Rate paces dequeues per second across all workers.
	Rate int
	// Dependency, when set, wraps Handler in that dependency's circuit breaker.
	Dependency string
	Handler    Handler
}

// Dispatcher drains the fair queue, re-running the call gates for every item.
// Items rejected by a gate are parked for the rejection's retry-after and then
// requeued with their priority and enqueue time unchanged. Items whose tenant
// is out of minutes are dropped, since the quota only resets at period
// rollover. Handler failures are not retried.
type Dispatcher struct {
	gov        *Governor
	queue      *fairqueue.Queue
	sem        *semaphore.Weighted
	pacer      *ratelimit.LocalLimiter
	pace       ratelimit.Policy
	dependency string
	handler    Handler
	sleep      func(ctx context.Context, d time.Duration)
	parked     sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher over the governor's queue.
func NewDispatcher(g *Governor, opts DispatcherOptions) (*Dispatcher, error) {
	if g == nil || g.queue == nil {
		return nil, errors.New("governor: dispatcher requires a queue")
	}
	if opts.Handler == nil {
		return nil, errors.New("governor: dispatcher requires a handler")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = internalsettings.DefaultDispatchWorkers
	}
	perSecond := opts.Rate
	if perSecond <= 0 {
		perSecond = internalsettings.DefaultDispatchRate
	}
	return &Dispatcher{
		gov:   g,
		queue: g.queue,
		sem:   semaphore.NewWeighted(int64(workers)),
		pacer: ratelimit.NewLocalLimiter(nil),
		pace: ratelimit.Policy{
			Limit:           perSecond,
			Window:          time.Second,
			Algorithm:       ratelimit.AlgorithmTokenBucket,
			BurstMultiplier: internalsettings.DefaultBurstMultiplier,
		},
		dependency: opts.Dependency,
		handler:    opts.Handler,
		sleep:      sleepCtx,
	}, nil
}

// Start runs the dispatcher in the background until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	if d == nil {
		return
	}
	go func() {
		if err := d.Run(ctx); err != nil {
			log.WithError(err).Error("dispatcher: stopped")
		}
	}()
	log.Infof("fair queue dispatcher started (rate=%d/s)", d.pace.Limit)
}

// Run dequeues until ctx is done, then waits for in-flight and parked items.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	for {
		if errAcquire := d.sem.Acquire(gctx, 1); errAcquire != nil {
			break
		}
		item, ok, errDequeue := d.queue.Dequeue(gctx)
		if errDequeue != nil || !ok {
			d.sem.Release(1)
			if gctx.Err() != nil {
				break
			}
			if errDequeue != nil {
				log.WithError(errDequeue).Warn("dispatcher: dequeue failed")
				d.sleep(gctx, storeErrorBackoff)
			}
			continue
		}
		if errWait := d.pacer.Wait(gctx, dispatchPaceKey, d.pace); errWait != nil {
			d.requeue(context.WithoutCancel(gctx), item)
			d.sem.Release(1)
			break
		}
		group.Go(func() error {
			defer d.sem.Release(1)
			d.Dispatch(gctx, item)
			return nil
		})
	}
	errWait := group.Wait()
	d.parked.Wait()
	return errWait
}

// Dispatch admits and runs one item. It reports whether the handler ran.
func (d *Dispatcher) Dispatch(ctx context.Context, item fairqueue.Item) bool {
	fields := log.Fields{"tenant_id": item.TenantID, "item_id": item.ItemID}

	session, errAdmit := d.gov.admitCall(ctx, item.TenantID)
	d.gov.metrics.ObserveDecision(GateDispatch, errAdmit)
	if errAdmit != nil {
		switch admission.KindOf(errAdmit) {
		case admission.KindNone:
			log.WithError(errAdmit).WithFields(fields).Error("dispatcher: admission failed")
		case admission.KindQuotaExceeded:
			log.WithError(errAdmit).WithFields(fields).Warn("dispatcher: tenant out of minutes, item dropped")
		default:
			log.WithError(errAdmit).WithFields(fields).Debug("dispatcher: gate rejected item, parking")
			d.park(ctx, item, admission.RetryAfter(errAdmit))
		}
		return false
	}

	started := d.gov.nowFn()
	var errRun error
	if d.dependency != "" {
		errRun = session.Invoke(ctx, d.dependency, func(ctx context.Context) error {
			return d.handler(ctx, item)
		})
	} else {
		errRun = d.handler(ctx, item)
	}
	if _, errEnd := session.End(ctx, d.gov.nowFn().Sub(started)); errEnd != nil {
		log.WithError(errEnd).WithFields(fields).Warn("dispatcher: session cleanup failed")
	}

	if admission.KindOf(errRun) == admission.KindCircuitOpen {
		log.WithError(errRun).WithFields(fields).Warn("dispatcher: dependency circuit open, parking")
		d.park(ctx, item, admission.RetryAfter(errRun))
		return false
	}
	if errRun != nil {
		log.WithError(errRun).WithFields(fields).Error("dispatcher: handler failed")
	}
	return true
}

// park holds item off the queue for wait without occupying a worker, then
// requeues it. Cancellation of ctx requeues immediately so nothing is lost on
// shutdown.
func (d *Dispatcher) park(ctx context.Context, item fairqueue.Item, wait time.Duration) {
	if wait < minRequeueBackoff {
		wait = minRequeueBackoff
	}
	d.parked.Add(1)
	go func() {
		defer d.parked.Done()
		d.sleep(ctx, wait)
		d.requeue(context.WithoutCancel(ctx), item)
	}()
}

func (d *Dispatcher) requeue(ctx context.Context, item fairqueue.Item) {
	if _, errEnqueue := d.queue.Requeue(ctx, item); errEnqueue != nil {
		log.WithError(errEnqueue).WithFields(log.Fields{
			"tenant_id": item.TenantID,
			"item_id":   item.ItemID,
		}).Error("dispatcher: requeue failed, item dropped")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
