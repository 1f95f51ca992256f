package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/circuit"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// FailPolicy decides what admission does when the shared store is unreachable.
type FailPolicy int

const (
	FailClosed FailPolicy = iota
	FailOpen
)

// String returns the config label of the policy.
func (p FailPolicy) String() string {
	if p == FailOpen {
		return internalsettings.FailPolicyOpen
	}
	return internalsettings.FailPolicyClosed
}

// ParseFailPolicy parses "open" or "closed".
func ParseFailPolicy(raw string) (FailPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case internalsettings.FailPolicyOpen:
		return FailOpen, nil
	case internalsettings.FailPolicyClosed, "":
		return FailClosed, nil
	default:
		return FailClosed, fmt.Errorf("store: unknown fail policy %q", raw)
	}
}

// ClientFactory constructs a Redis client for the given options.
type ClientFactory func(options *redis.UniversalOptions) redis.UniversalClient

// Options configures New.
type Options struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
	Policy      FailPolicy
	// Breaker guards store round-trips. A default breaker is created when nil.
	Breaker   *circuit.Breaker
	NewClient ClientFactory
}

// Store is the shared counter store used by every cross-process component.
type Store struct {
	client  redis.UniversalClient
	prefix  string
	policy  FailPolicy
	breaker *circuit.Breaker
}

// New connects to Redis and verifies the connection with a bounded ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("store: missing redis address")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = internalsettings.DefaultRedisDialTimeout
	}
	newClient := opts.NewClient
	if newClient == nil {
		newClient = redis.NewUniversalClient
	}

	addrs := make([]string, 0, 1)
	for _, part := range strings.Split(addr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			addrs = append(addrs, part)
		}
	}
	client := newClient(&redis.UniversalOptions{
		Addrs:       addrs,
		Password:    strings.TrimSpace(opts.Password),
		DB:          max(opts.DB, 0),
		DialTimeout: dialTimeout,
	})

	ctxPing, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping %s: %w", addr, errPing)
	}
	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, opts Options) *Store {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = internalsettings.DefaultRedisPrefix
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = circuit.NewBreaker(internalsettings.StoreBreakerName, circuit.DefaultSettings(), nil, nil)
	}
	return &Store{
		client:  client,
		prefix:  prefix,
		policy:  opts.Policy,
		breaker: breaker,
	}
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Policy returns the configured fail policy.
func (s *Store) Policy() FailPolicy { return s.policy }

// Breaker returns the breaker guarding store round-trips.
func (s *Store) Breaker() *circuit.Breaker { return s.breaker }

// Key builds a prefixed key from parts joined by ':'.
func (s *Store) Key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Do runs one store round-trip behind the store breaker. Failures come back as
// *admission.StoreUnavailableError; redis.Nil and caller cancellation are passed through.
func (s *Store) Do(ctx context.Context, op string, fn func(ctx context.Context, client redis.UniversalClient) error) error {
	if s == nil || s.client == nil {
		return &admission.StoreUnavailableError{Op: op, Err: errors.New("store not configured")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if errCheck := s.breaker.Check(); errCheck != nil {
		return &admission.StoreUnavailableError{Op: op, Err: errCheck, Retry: admission.RetryAfter(errCheck)}
	}

	errRun := fn(ctx, s.client)
	switch {
	case errRun == nil, errors.Is(errRun, redis.Nil):
		s.breaker.RecordSuccess()
		return errRun
	case ctx.Err() != nil:
		s.breaker.RecordSuccess()
		return ctx.Err()
	default:
		s.breaker.RecordFailure(errRun)
		return &admission.StoreUnavailableError{Op: op, Err: errRun, Retry: time.Second}
	}
}

// AdmitOnFailure reports whether work may proceed after a store failure. Every
// call is logged so a degraded decision is never silent.
func (s *Store) AdmitOnFailure(op string, err error) bool {
	admit := s != nil && s.policy == FailOpen
	entry := log.WithError(err).WithFields(log.Fields{
		"op":          op,
		"fail_policy": s.policyLabel(),
	})
	if admit {
		entry.Warn("store: unavailable, admitting under fail-open policy")
	} else {
		entry.Warn("store: unavailable, rejecting under fail-closed policy")
	}
	return admit
}

func (s *Store) policyLabel() string {
	if s == nil {
		return FailClosed.String()
	}
	return s.policy.String()
}

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.Do(ctx, "ping", func(ctx context.Context, client redis.UniversalClient) error {
		return client.Ping(ctx).Err()
	})
}

// Close releases the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
