package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/churnguard/tenant-governor/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultEventBuffer = 256

// EventRecorder persists breaker transitions as circuit_events rows. Hook never
// blocks the breaker: a full buffer drops the event with a warning.
type EventRecorder struct {
	db     *gorm.DB
	events chan Transition

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewEventRecorder constructs a recorder with the given buffer size.
func NewEventRecorder(db *gorm.DB, buffer int) *EventRecorder {
	if db == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &EventRecorder{
		db:     db,
		events: make(chan Transition, buffer),
		done:   make(chan struct{}),
	}
}

// Hook returns a TransitionHook feeding the recorder.
func (r *EventRecorder) Hook() TransitionHook {
	return func(tr Transition) {
		if r == nil {
			return
		}
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.closed {
			return
		}
		select {
		case r.events <- tr:
		default:
			r.dropped.Add(1)
			log.WithField("dependency", tr.Name).Warn("circuit events: buffer full, dropping transition")
		}
	}
}

// Dropped returns how many transitions were dropped because the buffer was full.
func (r *EventRecorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Start runs the persistence loop in the background until ctx is done or Close is called.
func (r *EventRecorder) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go r.run(ctx)
	log.Info("circuit event recorder started")
}

// Close stops accepting events and waits for buffered ones to be written.
func (r *EventRecorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	if !r.started {
		r.started = true
		go r.run(context.Background())
	}
	r.mu.Unlock()
	<-r.done
}

func (r *EventRecorder) run(ctx context.Context) {
	defer close(r.done)
	// Writes outlive cancellation so a shutdown does not lose buffered rows.
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain(writeCtx)
			return
		case tr, ok := <-r.events:
			if !ok {
				return
			}
			r.persist(writeCtx, tr)
		}
	}
}

// drain writes whatever is already buffered without waiting for more.
func (r *EventRecorder) drain(ctx context.Context) {
	for {
		select {
		case tr, ok := <-r.events:
			if !ok {
				return
			}
			r.persist(ctx, tr)
		default:
			return
		}
	}
}

func (r *EventRecorder) persist(ctx context.Context, tr Transition) {
	if err := r.Record(ctx, tr); err != nil {
		log.WithError(err).WithField("dependency", tr.Name).Warn("circuit events: persist failed")
	}
}

// Record writes one transition synchronously.
func (r *EventRecorder) Record(ctx context.Context, tr Transition) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("circuit events: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	stats, errMarshal := json.Marshal(tr.Stats)
	if errMarshal != nil {
		return fmt.Errorf("circuit events: marshal stats: %w", errMarshal)
	}
	row := models.CircuitEvent{
		Dependency: tr.Name,
		FromState:  tr.From.String(),
		ToState:    tr.To.String(),
		Stats:      datatypes.JSON(stats),
		OccurredAt: tr.At.UTC(),
	}
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("circuit events: insert: %w", errCreate)
	}
	return nil
}

// ListEvents returns the most recent events, newest first, optionally filtered by dependency.
func ListEvents(ctx context.Context, db *gorm.DB, dependency string, limit int) ([]models.CircuitEvent, error) {
	if db == nil {
		return nil, fmt.Errorf("circuit events: nil db")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Model(&models.CircuitEvent{})
	if dependency = strings.ToLower(strings.TrimSpace(dependency)); dependency != "" {
		q = q.Where("dependency = ?", dependency)
	}
	var rows []models.CircuitEvent
	if errFind := q.Order("occurred_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("circuit events: list: %w", errFind)
	}
	return rows, nil
}
