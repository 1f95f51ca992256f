package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/churnguard/tenant-governor/internal/config"
	"github.com/churnguard/tenant-governor/internal/governor/govtest"
	"github.com/churnguard/tenant-governor/internal/http/api/admin/permissions"
	"github.com/churnguard/tenant-governor/internal/security"
	"github.com/gin-gonic/gin"
)

const testSecret = "test-secret"

func newAdminEngine(t *testing.T) (*gin.Engine, *govtest.Env) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := govtest.New(t)
	r := gin.New()
	RegisterAdminRoutes(r, Deps{
		Governor:   env.Governor,
		Store:      env.Store,
		DB:         env.DB,
		Reconciler: env.Reconciler,
		Metrics:    env.Metrics,
	}, config.JWTConfig{Secret: testSecret, Expiry: time.Hour})
	return r, env
}

func mintToken(t *testing.T, perms []string, superAdmin bool) string {
	t.Helper()
	token, err := security.GenerateAdminToken(testSecret, "ops", perms, superAdmin, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func doJSON(r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&payload).Encode(body)
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminRoutesRequireToken(t *testing.T) {
	r, _ := newAdminEngine(t)

	if w := doJSON(r, http.MethodGet, "/v0/admin/circuits", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/v0/admin/circuits", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}

	wrongSecret, _ := security.GenerateAdminToken("other", "ops", nil, true, time.Hour, time.Now())
	if w := doJSON(r, http.MethodGet, "/v0/admin/circuits", wrongSecret, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign token, got %d", w.Code)
	}
}

func TestAdminPermissionsGateRoutes(t *testing.T) {
	r, _ := newAdminEngine(t)
	usageKey := permissions.Key(http.MethodGet, "/v0/admin/tenants/:tenant/usage")
	token := mintToken(t, []string{usageKey}, false)

	if w := doJSON(r, http.MethodGet, "/v0/admin/tenants/t1/usage", token, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with permission, got %d: %s", w.Code, w.Body.String())
	}
	w := doJSON(r, http.MethodGet, "/v0/admin/circuits", token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without permission, got %d", w.Code)
	}
}

func TestAdminQuotaOverrideAndUsage(t *testing.T) {
	r, env := newAdminEngine(t)
	token := mintToken(t, nil, true)

	w := doJSON(r, http.MethodPut, "/v0/admin/tenants/t1/quota", token, gin.H{
		"plan":                  "professional",
		"max_concurrent_calls":  2,
		"daily_minutes_limit":   60,
		"monthly_minutes_limit": 600,
		"api_rate_limit":        10,
		"priority":              7,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("set quota: %d %s", w.Code, w.Body.String())
	}
	if got := env.Governor.Tenants().GetQuota("t1"); got.MaxConcurrentCalls != 2 || got.Priority != 7 {
		t.Fatalf("expected override applied, got %+v", got)
	}

	if w = doJSON(r, http.MethodPut, "/v0/admin/tenants/t1/quota", token, gin.H{"plan": "starter"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero limits, got %d", w.Code)
	}

	if w = doJSON(r, http.MethodPut, "/v0/admin/tenants/t2/plan", token, gin.H{"plan": "enterprise"}); w.Code != http.StatusOK {
		t.Fatalf("assign plan: %d %s", w.Code, w.Body.String())
	}
	if got := env.Governor.Tenants().GetQuota("t2"); got.Plan != "enterprise" || got.MaxConcurrentCalls != 100 {
		t.Fatalf("expected enterprise ceilings, got %+v", got)
	}
	if w = doJSON(r, http.MethodPut, "/v0/admin/tenants/t2/plan", token, gin.H{"plan": "platinum"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown plan, got %d", w.Code)
	}

	session, err := env.Governor.AdmitCall(context.Background(), "t1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	w = doJSON(r, http.MethodGet, "/v0/admin/tenants/t1/usage", token, nil)
	var body struct {
		Usage struct {
			ConcurrentCalls int `json:"concurrent_calls"`
			MaxConcurrent   int `json:"max_concurrent_calls"`
		} `json:"usage"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode usage: %v", errDecode)
	}
	if body.Usage.ConcurrentCalls != 1 || body.Usage.MaxConcurrent != 2 {
		t.Fatalf("unexpected usage %s", w.Body.String())
	}

	if w = doJSON(r, http.MethodPost, "/v0/admin/tenants/t1/slots/release", token, nil); w.Code != http.StatusOK {
		t.Fatalf("release slot: %d", w.Code)
	}
	if n, _ := env.Governor.Tenants().ConcurrentCalls(context.Background(), "t1"); n != 0 {
		t.Fatalf("expected slot released, got %d", n)
	}
	_, _ = session.End(context.Background(), time.Minute)
}

func TestAdminCircuitsAndQueue(t *testing.T) {
	r, env := newAdminEngine(t)
	token := mintToken(t, nil, true)

	env.Governor.Breakers().Breaker("twilio")
	if w := doJSON(r, http.MethodGet, "/v0/admin/circuits", token, nil); w.Code != http.StatusOK {
		t.Fatalf("list circuits: %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/v0/admin/circuits/missing/reset", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown circuit, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/v0/admin/circuits/twilio/reset", token, nil); w.Code != http.StatusOK {
		t.Fatalf("reset circuit: %d", w.Code)
	}

	for _, item := range []string{"a", "b"} {
		if w := doJSON(r, http.MethodPost, "/v0/admin/queue", token, gin.H{"tenant_id": "t1", "item_id": item}); w.Code != http.StatusAccepted {
			t.Fatalf("enqueue %s: %d %s", item, w.Code, w.Body.String())
		}
	}
	w := doJSON(r, http.MethodGet, "/v0/admin/queue/t1/b", token, nil)
	var pos struct {
		Position int `json:"position"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &pos)
	if w.Code != http.StatusOK || pos.Position != 1 {
		t.Fatalf("expected b at position 1, got %d %s", w.Code, w.Body.String())
	}
	if w = doJSON(r, http.MethodDelete, "/v0/admin/queue/t1/a", token, nil); w.Code != http.StatusOK {
		t.Fatalf("remove: %d", w.Code)
	}
	if w = doJSON(r, http.MethodGet, "/v0/admin/queue/t1/a", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected removed item missing, got %d", w.Code)
	}
	if w = doJSON(r, http.MethodPost, "/v0/admin/queue", token, gin.H{"tenant_id": "t1", "item_id": "c", "priority": 5000}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range priority, got %d", w.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	r, env := newAdminEngine(t)
	if w := doJSON(r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(r, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}

	env.Redis.Close()
	if w := doJSON(r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the store is gone, got %d", w.Code)
	}
}
