package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"futures-core/internal/account"
	"futures-core/internal/events"
	"futures-core/internal/monitor"
	"futures-core/pkg/cache"
	"futures-core/pkg/config"
	"futures-core/pkg/db"

	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := db.NewStore(database.DB)

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	cfgs := []config.AccountConfig{
		{
			ID:          "paper-1",
			APIKey:      "test-key",
			APISecret:   "test-secret",
			RiskPercent: 0.4,
			Leverage:    10,
			MarginType:  "ISOLATED",
			HedgeMode:   true,
			TrailMode:   "swing",
		},
	}
	registry, err := account.NewRegistry(cfgs, true, "paper-1", bus, store, metrics)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	marks := cache.NewMarkCache()
	meta := SystemMeta{Testnet: true, Symbols: []string{"BTCUSDT"}, Version: "test"}
	return NewServer(registry, bus, store, metrics, marks, meta, "test-jwt-secret", "hunter2")
}

func doRequest(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func loginToken(t *testing.T, s *Server) string {
	t.Helper()
	w := doRequest(t, s, http.MethodPost, "/api/auth/login", "", `{"password":"hunter2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login returned empty token")
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/api/auth/login", "", `{"password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLoginDisabledWithoutPassword(t *testing.T) {
	s := newTestServer(t)
	s.operatorHash = ""
	w := doRequest(t, s, http.MethodPost, "/api/auth/login", "", `{"password":"hunter2"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/system/status", "/api/metrics", "/api/accounts"} {
		w := doRequest(t, s, http.MethodGet, path, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, w.Code)
		}
	}

	w := doRequest(t, s, http.MethodGet, "/api/accounts", "not-a-token", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", w.Code)
	}
}

func TestSystemStatus(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/system/status", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Testnet     bool     `json:"testnet"`
		Accounts    []string `json:"accounts"`
		LiveAccount string   `json:"live_account"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Testnet {
		t.Error("testnet flag not propagated")
	}
	if len(resp.Accounts) != 1 || resp.Accounts[0] != "paper-1" {
		t.Errorf("accounts = %v", resp.Accounts)
	}
	if resp.LiveAccount != "paper-1" {
		t.Errorf("live_account = %q", resp.LiveAccount)
	}
}

func TestListAccountsMarksLive(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/accounts", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Accounts []struct {
			ID   string `json:"id"`
			Live bool   `json:"live"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Accounts) != 1 {
		t.Fatalf("accounts = %+v", resp.Accounts)
	}
	if resp.Accounts[0].ID != "paper-1" || !resp.Accounts[0].Live {
		t.Errorf("account entry = %+v", resp.Accounts[0])
	}
}

func TestUnknownAccountReturns404(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/accounts/nope/history", token, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestTradeHistoryEmpty(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/accounts/paper-1/history", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Trades []db.Trade `json:"trades"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Trades) != 0 {
		t.Errorf("trades = %+v", resp.Trades)
	}
}

func TestRestingRejectsUnknownDuration(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/accounts/paper-1/resting", token, `{"minutes":7}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPricesFromCache(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/prices?symbol=BTCUSDT", token, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("cold cache status = %d, want 404", w.Code)
	}

	s.Marks.Update("BTCUSDT", 64250.5, time.Now())
	w = doRequest(t, s, http.MethodGet, "/api/prices?symbol=btcusdt", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var quote cache.MarkQuote
	if err := json.Unmarshal(w.Body.Bytes(), &quote); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if quote.Symbol != "BTCUSDT" || quote.Price != 64250.5 {
		t.Errorf("quote = %+v", quote)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := loginToken(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/metrics", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
