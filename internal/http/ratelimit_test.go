package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/governor/govtest"
	"github.com/gin-gonic/gin"
)

func newRateLimitedEngine(t *testing.T) (*gin.Engine, *govtest.Env) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := govtest.New(t)
	r := gin.New()
	r.Use(RateLimit(env.Governor))
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": c.GetString(ContextTenantKey)})
	})
	return r, env
}

func TestRateLimitMiddlewareRejectsPastLimit(t *testing.T) {
	r, env := newRateLimitedEngine(t)
	limit := env.Governor.Tenants().GetQuota("t1").APIRateLimit

	for i := 0; i < limit; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(TenantHeader, "t1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
		if w.Header().Get("X-RateLimit-Limit") == "" {
			t.Fatalf("request %d: missing X-RateLimit-Limit", i)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(TenantHeader, "t1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining=0, got %q", got)
	}

	var body struct {
		Error struct {
			Code       string `json:"code"`
			Resource   string `json:"resource"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode body: %v", errDecode)
	}
	if body.Error.Code != admission.KindRateLimited.String() || body.Error.Resource != "api" || body.Error.RetryAfter <= 0 {
		t.Fatalf("unexpected rejection body: %s", w.Body.String())
	}

	other := httptest.NewRequest(http.MethodGet, "/ping", nil)
	other.Header.Set(TenantHeader, "t2")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Fatalf("expected other tenant unaffected, got %d", w.Code)
	}
}

func TestRateLimitMiddlewareRequiresTenant(t *testing.T) {
	r, _ := newRateLimitedEngine(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := map[admission.Kind]int{
		admission.KindRateLimited:        http.StatusTooManyRequests,
		admission.KindConcurrencyLimited: http.StatusTooManyRequests,
		admission.KindQuotaExceeded:      http.StatusTooManyRequests,
		admission.KindCircuitOpen:        http.StatusServiceUnavailable,
		admission.KindStoreUnavailable:   http.StatusServiceUnavailable,
		admission.KindNone:               http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusFor(kind); got != want {
			t.Fatalf("kind %s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestAbortWithRejectionConcurrency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	AbortWithRejection(c, &admission.ConcurrencyLimitExceededError{TenantID: "t1", Current: 5, Max: 5, Retry: time.Second})

	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("unexpected response %d retry=%q", w.Code, w.Header().Get("Retry-After"))
	}
	var body map[string]map[string]any
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if body["error"]["max"] != float64(5) || body["error"]["current"] != float64(5) {
		t.Fatalf("unexpected body %v", body)
	}
}
