package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/churnguard/tenant-governor/internal/config"
	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/gin-gonic/gin"
)

func TestBuildWiresServices(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)

	conf := config.Default()
	conf.Database.DSN = filepath.Join(t.TempDir(), "governor.db")
	conf.Redis.Addr = mr.Addr()
	conf.Queue.PollTimeout = 50 * time.Millisecond

	dispatched := make(chan fairqueue.Item, 1)
	services, err := Build(context.Background(), conf, func(_ context.Context, item fairqueue.Item) error {
		dispatched <- item
		return nil
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(services.Close)

	if _, ok := services.Breakers.Lookup("ultravox"); !ok {
		t.Fatalf("expected configured breakers preloaded")
	}
	if _, ok := services.Breakers.Lookup("redis"); !ok {
		t.Fatalf("expected store breaker registered")
	}
	if services.Reconciler == nil {
		t.Fatalf("expected reconciler when reconcile.enabled")
	}

	w := httptest.NewRecorder()
	services.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	services.Start(ctx)

	if _, err = services.Governor.Defer(ctx, "t1", "job-1", nil); err != nil {
		t.Fatalf("defer: %v", err)
	}
	select {
	case item := <-dispatched:
		if item.TenantID != "t1" || item.ItemID != "job-1" {
			t.Fatalf("unexpected item %+v", item)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected queued item dispatched")
	}
}

func TestBuildRejectsUnreachableStore(t *testing.T) {
	conf := config.Default()
	conf.Database.DSN = filepath.Join(t.TempDir(), "governor.db")
	conf.Redis.Addr = "127.0.0.1:1"
	conf.Redis.DialTimeout = 200 * time.Millisecond
	if _, err := Build(context.Background(), conf, nil); err == nil {
		t.Fatalf("expected build to fail without a store")
	}
}
