package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/circuit"
	"github.com/redis/go-redis/v9"
)

func TestParseFailPolicy(t *testing.T) {
	if p, err := ParseFailPolicy("OPEN"); err != nil || p != FailOpen {
		t.Fatalf("expected fail open, got %v err=%v", p, err)
	}
	if p, err := ParseFailPolicy(""); err != nil || p != FailClosed {
		t.Fatalf("expected fail closed default, got %v err=%v", p, err)
	}
	if _, err := ParseFailPolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestNewPingsAndBuildsKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Options{Addr: mr.Addr(), Prefix: "tg"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = s.Close() }()

	if got := s.Key("rl", "t1", "api"); got != "tg:rl:t1:api" {
		t.Fatalf("unexpected key %q", got)
	}
	if errPing := s.Ping(context.Background()); errPing != nil {
		t.Fatalf("ping: %v", errPing)
	}
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := New(context.Background(), Options{Addr: addr, DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestDoWrapsFailuresAndTripsBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	breaker := circuit.NewBreaker("redis", circuit.Settings{FailureThreshold: 2, Timeout: time.Minute}, nil, nil)
	s := NewWithClient(client, Options{Breaker: breaker})
	defer func() { _ = s.Close() }()

	errNil := s.Do(context.Background(), "get", func(ctx context.Context, c redis.UniversalClient) error {
		return c.Get(ctx, "missing").Err()
	})
	if !errors.Is(errNil, redis.Nil) {
		t.Fatalf("expected redis.Nil passthrough, got %v", errNil)
	}

	errBoom := errors.New("connection reset")
	for i := 0; i < 2; i++ {
		err := s.Do(context.Background(), "incr", func(context.Context, redis.UniversalClient) error { return errBoom })
		var storeErr *admission.StoreUnavailableError
		if !errors.As(err, &storeErr) || !errors.Is(err, errBoom) {
			t.Fatalf("expected wrapped store error, got %v", err)
		}
		if storeErr.Op != "incr" {
			t.Fatalf("expected op=incr, got %q", storeErr.Op)
		}
	}
	if breaker.State() != circuit.StateOpen {
		t.Fatalf("expected store breaker open, got %s", breaker.State())
	}

	called := false
	err := s.Do(context.Background(), "incr", func(context.Context, redis.UniversalClient) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("expected open breaker to short-circuit the round-trip")
	}
	if admission.KindOf(err) != admission.KindStoreUnavailable {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestAdmitOnFailureFollowsPolicy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	errStore := &admission.StoreUnavailableError{Op: "check"}

	open := NewWithClient(client, Options{Policy: FailOpen})
	if !open.AdmitOnFailure("check", errStore) {
		t.Fatalf("expected fail-open store to admit")
	}
	closed := NewWithClient(client, Options{Policy: FailClosed})
	if closed.AdmitOnFailure("check", errStore) {
		t.Fatalf("expected fail-closed store to reject")
	}
	_ = client.Close()
}
