package circuit

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry owns one breaker per dependency name.
type Registry struct {
	defaults  Settings
	overrides map[string]Settings
	nowFn     func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
	hooks    []TransitionHook
}

// NewRegistry constructs a Registry. Overrides are keyed by dependency name and
// merged over defaults field by field.
func NewRegistry(defaults Settings, overrides map[string]Settings, nowFn func() time.Time) *Registry {
	if nowFn == nil {
		nowFn = time.Now
	}
	normalized := make(map[string]Settings, len(overrides))
	for name, s := range overrides {
		normalized[normalizeName(name)] = s
	}
	return &Registry{
		defaults:  defaults.Normalize(),
		overrides: normalized,
		nowFn:     nowFn,
		breakers:  make(map[string]*Breaker),
	}
}

// OnTransition registers a hook invoked on every state change of every breaker.
func (r *Registry) OnTransition(hook TransitionHook) {
	if r == nil || hook == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Breaker returns the breaker for name, creating it on first use.
func (r *Registry) Breaker(name string) *Breaker {
	name = normalizeName(name)
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[name]; b != nil {
		return b
	}
	b = NewBreaker(name, r.settingsFor(name), r.nowFn, r.dispatch)
	r.breakers[name] = b
	return b
}

// Allow reports whether an attempt against dependency may proceed.
func (r *Registry) Allow(dependency string) bool {
	return r.Breaker(dependency).Allow()
}

// RecordSuccess records a success for dependency.
func (r *Registry) RecordSuccess(dependency string) {
	r.Breaker(dependency).RecordSuccess()
}

// RecordFailure records a failure for dependency.
func (r *Registry) RecordFailure(dependency string, err error) {
	r.Breaker(dependency).RecordFailure(err)
}

// Stats returns snapshots of every known breaker sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns a breaker only when it already exists.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[normalizeName(name)]
	return b, ok
}

// Reset closes the named breaker. It reports false when the breaker is unknown.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Preload creates breakers for every configured override so they show up in stats.
func (r *Registry) Preload() {
	for name := range r.overrides {
		r.Breaker(name)
	}
}

func (r *Registry) settingsFor(name string) Settings {
	s := r.defaults
	override, ok := r.overrides[name]
	if !ok {
		return s
	}
	if override.FailureThreshold > 0 {
		s.FailureThreshold = override.FailureThreshold
	}
	if override.SuccessThreshold > 0 {
		s.SuccessThreshold = override.SuccessThreshold
	}
	if override.Timeout > 0 {
		s.Timeout = override.Timeout
	}
	if override.HalfOpenMaxCalls > 0 {
		s.HalfOpenMaxCalls = override.HalfOpenMaxCalls
	}
	return s
}

func (r *Registry) dispatch(tr Transition) {
	r.mu.RLock()
	hooks := make([]TransitionHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(tr)
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
