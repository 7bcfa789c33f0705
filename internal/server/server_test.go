package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CryptoHub/internal/cache"
	"CryptoHub/internal/market"
	"CryptoHub/internal/notify"
	"CryptoHub/internal/observability"
	"CryptoHub/internal/server"
	"CryptoHub/internal/testutil"
)

type fixture struct {
	notifications *notify.Store
	health        *observability.HealthChecker
	api           *server.Server
	provider      *httptest.Server
	cache         *cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ethereum": {"usd": 3200}}`))
	}))

	qc := cache.New(nil, testutil.NewTestMetrics(), time.Hour, time.Hour)
	metrics := testutil.NewTestMetrics()
	f := &fixture{
		notifications: notify.NewStore(metrics),
		health:        observability.NewHealthChecker(),
		provider:      provider,
		cache:         qc,
	}
	f.api = server.New(":0", &server.Deps{
		Cache:         qc,
		Market:        market.NewService(market.NewClient(provider.URL, metrics), qc, []string{"ethereum"}, time.Hour),
		Notifications: f.notifications,
		Health:        f.health,
		Metrics:       metrics,
	}, time.Minute, time.Hour)

	t.Cleanup(func() {
		qc.Close()
		provider.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Test: health endpoints
// ============================================================================

func TestServer_Readiness(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: got %d, want 503", rec.Code)
	}

	f.health.SetReady(true)
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz after ready: got %d, want 200", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", rec.Code)
	}
}

// ============================================================================
// Test: market prices
// ============================================================================

func TestServer_MarketPrices(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/market/prices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var quotes map[string]market.Quote
	if err := json.Unmarshal(rec.Body.Bytes(), &quotes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := quotes["ethereum"]; !ok {
		t.Error("ethereum missing from response")
	}
}

// ============================================================================
// Test: notifications API
// ============================================================================

func TestServer_NotificationsFlow(t *testing.T) {
	f := newFixture(t)

	n := f.notifications.Add("Swap completed", "1 ETH for 3200 USDC", notify.SeveritySuccess)

	rec := f.do(t, http.MethodGet, "/v1/notifications", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d, want 200", rec.Code)
	}
	var out struct {
		Notifications []notify.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Notifications) != 1 || out.Unread != 1 {
		t.Errorf("got %d notifications, %d unread, want 1/1", len(out.Notifications), out.Unread)
	}

	if rec := f.do(t, http.MethodPost, "/v1/notifications/"+n.ID.String()+"/read", ""); rec.Code != http.StatusOK {
		t.Errorf("mark read: got %d, want 200", rec.Code)
	}
	if f.notifications.UnreadCount() != 0 {
		t.Errorf("unread after mark read: got %d, want 0", f.notifications.UnreadCount())
	}

	if rec := f.do(t, http.MethodPost, "/v1/notifications/not-a-uuid/read", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d, want 400", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/v1/notifications", ""); rec.Code != http.StatusOK {
		t.Errorf("clear: got %d, want 200", rec.Code)
	}
	if f.notifications.Len() != 0 {
		t.Error("notifications not cleared")
	}
}

// ============================================================================
// Test: auth scoping
// ============================================================================

func TestServer_MissingUserHeader(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/swaps", `{"from_asset":"ethereum"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("swap without X-User-ID: got %d, want 401", rec.Code)
	}
}
