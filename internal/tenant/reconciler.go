package tenant

import (
	"context"
	"fmt"
	"time"

	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	log "github.com/sirupsen/logrus"
)

// Reconciler periodically rewrites the shared slot counters from the call
// ledger.
//
// Counters are read before the ledger and written with a compare-and-set, so
// an acquire or release racing a pass is never overwritten; that tenant is
// corrected on the next pass instead. Ledger rows older than the slot TTL are
// treated as leaked, so the TTL must exceed the longest legitimate call: a
// longer call loses its row and its slot is freed early.
type Reconciler struct {
	manager  *Manager
	ledger   *CallLedger
	interval time.Duration
	slotTTL  time.Duration
	now      func() time.Time
}

// NewReconciler constructs a reconciler. It returns nil when either collaborator is missing.
func NewReconciler(manager *Manager, ledger *CallLedger, interval, slotTTL time.Duration) *Reconciler {
	if manager == nil || ledger == nil {
		return nil
	}
	if interval <= 0 {
		interval = internalsettings.DefaultReconcileInterval
	}
	if slotTTL <= 0 {
		slotTTL = internalsettings.DefaultSlotTTL
	}
	return &Reconciler{
		manager:  manager,
		ledger:   ledger,
		interval: interval,
		slotTTL:  slotTTL,
		now:      manager.nowFn,
	}
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	StaleDropped int64
	Corrected    map[string]int
}

// Start runs the reconcile loop in the background.
func (r *Reconciler) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go r.run(ctx)
	log.Infof("slot reconciler started (interval=%s)", r.interval)
}

func (r *Reconciler) run(ctx context.Context) {
	if _, err := r.ReconcileOnce(ctx); err != nil {
		log.WithError(err).Warn("slot reconciler: initial pass failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				log.WithError(err).Warn("slot reconciler: pass failed")
			}
		}
	}
}

// ReconcileOnce drops stale ledger rows, then sets every tenant's slot
// counter to its ledger count unless the counter moved during the pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Corrected: map[string]int{}}
	if r == nil {
		return report, fmt.Errorf("slot reconciler: nil reconciler")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	dropped, errStale := r.ledger.DeleteStale(ctx, r.now().Add(-r.slotTTL))
	if errStale != nil {
		return report, errStale
	}
	report.StaleDropped = dropped

	tenants, errScan := r.manager.SlotTenants(ctx)
	if errScan != nil {
		return report, fmt.Errorf("slot reconciler: scan: %w", errScan)
	}
	observed := make(map[string]int, len(tenants))
	for _, tenantID := range tenants {
		current, errGet := r.manager.ConcurrentCalls(ctx, tenantID)
		if errGet != nil {
			return report, fmt.Errorf("slot reconciler: read %s: %w", tenantID, errGet)
		}
		observed[tenantID] = current
	}

	counts, errCount := r.ledger.CountByTenant(ctx)
	if errCount != nil {
		return report, errCount
	}
	for tenantID := range observed {
		if _, ok := counts[tenantID]; !ok {
			counts[tenantID] = 0
		}
	}

	for tenantID, want := range counts {
		current := observed[tenantID]
		if current == want {
			continue
		}
		swapped, errSwap := r.manager.SwapConcurrentCalls(ctx, tenantID, current, want)
		if errSwap != nil {
			return report, fmt.Errorf("slot reconciler: write %s: %w", tenantID, errSwap)
		}
		if !swapped {
			log.WithField("tenant_id", tenantID).Debug("slot reconciler: counter moved during pass, deferring")
			continue
		}
		report.Corrected[tenantID] = want
		log.WithFields(log.Fields{
			"tenant_id": tenantID,
			"counter":   current,
			"ledger":    want,
		}).Warn("slot reconciler: corrected slot counter")
	}
	if dropped > 0 {
		log.WithField("dropped", dropped).Warn("slot reconciler: dropped stale ledger rows")
	}
	return report, nil
}
