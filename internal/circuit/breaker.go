package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	log "github.com/sirupsen/logrus"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state label used in logs and stats.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultTimeout          = 30 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// Settings configures one breaker.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// DefaultSettings returns the stock thresholds.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		Timeout:          DefaultTimeout,
		HalfOpenMaxCalls: DefaultHalfOpenMaxCalls,
	}
}

// Normalize fills zero or negative fields with defaults.
func (s Settings) Normalize() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return s
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	Failures         int       `json:"failures"`
	Successes        int       `json:"successes"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	TotalCalls       int64     `json:"total_calls"`
	TotalFailures    int64     `json:"total_failures"`
	TotalRejected    int64     `json:"total_rejected"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	LastStateChange  time.Time `json:"last_state_change"`
}

// Transition describes a state change, delivered to hooks after the breaker lock is released.
type Transition struct {
	Name  string
	From  State
	To    State
	Stats Stats
	At    time.Time
}

// TransitionHook observes state changes.
type TransitionHook func(Transition)

// Breaker guards one external dependency. State lives in process memory behind
// a mutex; Open->HalfOpen is evaluated lazily on Allow.
type Breaker struct {
	name     string
	settings Settings
	nowFn    func() time.Time
	hook     TransitionHook

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailure      time.Time
	lastStateChange  time.Time
	totalCalls       int64
	totalFailures    int64
	totalRejected    int64
}

// NewBreaker constructs a closed breaker.
func NewBreaker(name string, settings Settings, nowFn func() time.Time, hook TransitionHook) *Breaker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Breaker{
		name:            name,
		settings:        settings.Normalize(),
		nowFn:           nowFn,
		hook:            hook,
		state:           StateClosed,
		lastStateChange: nowFn(),
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Settings returns the effective thresholds.
func (b *Breaker) Settings() Settings { return b.settings }

// State returns the current state without evaluating the open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether an attempt may proceed. Every true result must be
// followed by exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	return b.Check() == nil
}

// Check is Allow with a typed rejection.
func (b *Breaker) Check() error {
	if b == nil {
		return nil
	}
	now := b.nowFn()

	b.mu.Lock()
	var transitions []Transition
	var rejection error
	switch b.state {
	case StateClosed:
	case StateOpen:
		elapsed := now.Sub(b.lastFailure)
		if elapsed >= b.settings.Timeout {
			transitions = append(transitions, b.transitionLocked(StateHalfOpen, now))
			b.halfOpenInFlight = 1
		} else {
			b.totalRejected++
			rejection = &admission.CircuitOpenError{
				Dependency: b.name,
				State:      StateOpen.String(),
				Retry:      b.settings.Timeout - elapsed,
			}
		}
	case StateHalfOpen:
		if b.halfOpenInFlight < b.settings.HalfOpenMaxCalls {
			b.halfOpenInFlight++
		} else {
			b.totalRejected++
			rejection = &admission.CircuitOpenError{
				Dependency: b.name,
				State:      StateHalfOpen.String(),
				Retry:      time.Second,
			}
		}
	}
	b.mu.Unlock()

	b.emit(transitions)
	return rejection
}

// RecordSuccess records a successful admitted attempt.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	now := b.nowFn()

	b.mu.Lock()
	var transitions []Transition
	b.totalCalls++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.releaseProbeLocked()
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			transitions = append(transitions, b.transitionLocked(StateClosed, now))
		}
	}
	b.mu.Unlock()

	b.emit(transitions)
}

// RecordFailure records a failed admitted attempt.
func (b *Breaker) RecordFailure(err error) {
	if b == nil {
		return
	}
	now := b.nowFn()

	b.mu.Lock()
	var transitions []Transition
	b.totalCalls++
	b.totalFailures++
	if err != nil {
		log.WithError(err).WithField("dependency", b.name).Warn("circuit: dependency call failed")
	}
	switch b.state {
	case StateClosed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.settings.FailureThreshold {
			transitions = append(transitions, b.transitionLocked(StateOpen, now))
		}
	case StateHalfOpen:
		b.releaseProbeLocked()
		b.failures++
		b.lastFailure = now
		transitions = append(transitions, b.transitionLocked(StateOpen, now))
	case StateOpen:
		// late result of an attempt admitted before the circuit opened
	}
	b.mu.Unlock()

	b.emit(transitions)
}

// Execute runs fn when the breaker admits the attempt and records its outcome.
// A rejected attempt returns *admission.CircuitOpenError without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if errCheck := b.Check(); errCheck != nil {
		return errCheck
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			b.RecordFailure(nil)
			panic(r)
		}
	}()
	if errRun := fn(ctx); errRun != nil {
		b.RecordFailure(errRun)
		return errRun
	}
	b.RecordSuccess()
	return nil
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	now := b.nowFn()
	b.mu.Lock()
	var transitions []Transition
	if b.state != StateClosed {
		transitions = append(transitions, b.transitionLocked(StateClosed, now))
	}
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
	b.mu.Unlock()
	b.emit(transitions)
}

func (b *Breaker) releaseProbeLocked() {
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) Transition {
	from := b.state
	b.state = to
	b.lastStateChange = now
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.successes = 0
		b.halfOpenInFlight = 0
	case StateOpen:
		b.successes = 0
		b.halfOpenInFlight = 0
	}
	return Transition{Name: b.name, From: from, To: to, Stats: b.statsLocked(), At: now}
}

func (b *Breaker) statsLocked() Stats {
	return Stats{
		Name:             b.name,
		State:            b.state.String(),
		Failures:         b.failures,
		Successes:        b.successes,
		HalfOpenInFlight: b.halfOpenInFlight,
		TotalCalls:       b.totalCalls,
		TotalFailures:    b.totalFailures,
		TotalRejected:    b.totalRejected,
		LastFailure:      b.lastFailure,
		LastStateChange:  b.lastStateChange,
	}
}

func (b *Breaker) emit(transitions []Transition) {
	for _, tr := range transitions {
		entry := log.WithFields(log.Fields{
			"dependency":     tr.Name,
			"from":           tr.From.String(),
			"to":             tr.To.String(),
			"failures":       tr.Stats.Failures,
			"successes":      tr.Stats.Successes,
			"total_calls":    tr.Stats.TotalCalls,
			"total_failures": tr.Stats.TotalFailures,
		})
		switch tr.To {
		case StateOpen:
			entry.Error("circuit: state changed")
		case StateHalfOpen:
			entry.Warn("circuit: state changed")
		default:
			entry.Info("circuit: state changed")
		}
		if b.hook != nil {
			b.hook(tr)
		}
	}
}
