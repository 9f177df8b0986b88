package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"order-core/internal/credentials"
	"order-core/internal/monitor"
	"order-core/internal/order"
	"order-core/internal/queue"
	"order-core/internal/reconciliation"
	"order-core/pkg/config"
	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

const testSecret = "test-secret"

type fakeOrders struct {
	mu     sync.Mutex
	orders []order.Order
	result order.Result
}

func (f *fakeOrders) ExecuteOrder(_ context.Context, o order.Order) order.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return f.result
}

func (f *fakeOrders) QueueStatus() map[queue.Lane]queue.LaneStatus {
	return map[queue.Lane]queue.LaneStatus{queue.LaneCritical: {Budget: 4}}
}

func (f *fakeOrders) Metrics() *monitor.DispatchMetrics { return monitor.NewDispatchMetrics() }

func (f *fakeOrders) last() order.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[len(f.orders)-1]
}

type fakeReconciler struct {
	users []string
}

func (f *fakeReconciler) ReconcileUser(_ context.Context, userID string) reconciliation.UserReport {
	f.users = append(f.users, userID)
	return reconciliation.UserReport{UserID: userID, ClosedExternally: 1}
}

func (f *fakeReconciler) Stats() reconciliation.Stats {
	return reconciliation.Stats{Passes: 3, Interval: "5m0s"}
}

type fakePositions struct{}

func (fakePositions) OpenPositions(_ context.Context, userID string) ([]db.TrackedPosition, error) {
	return []db.TrackedPosition{{UserID: userID, Symbol: "BTCUSDT", Side: "BUY", Quantity: 0.1, Status: "OPEN"}}, nil
}

type fakeHistory struct {
	lastStatus string
}

func (f *fakeHistory) PositionsByUser(_ context.Context, userID, status string, limit int) ([]db.TrackedPosition, error) {
	f.lastStatus = status
	return []db.TrackedPosition{
		{UserID: userID, Symbol: "ETHUSDT", Side: "SELL", Quantity: 1, Status: db.StatusClosed},
	}, nil
}

func (f *fakeHistory) RecentReconciliationRuns(_ context.Context, limit int) ([]db.ReconciliationRun, error) {
	return []db.ReconciliationRun{{ID: "run-1", UsersChecked: 3, ClosedExternally: 1}}, nil
}

type fakeCredentials struct {
	saved       []credentials.SaveRequest
	deactivated []string
}

func (f *fakeCredentials) Save(_ context.Context, req credentials.SaveRequest) error {
	f.saved = append(f.saved, req)
	return nil
}

func (f *fakeCredentials) Deactivate(_ context.Context, userID, exchange string, env common.Environment) error {
	if exchange != "binance" {
		return credentials.ErrNotFound
	}
	f.deactivated = append(f.deactivated, userID+"/"+exchange+"/"+string(env))
	return nil
}

func (f *fakeCredentials) AccountsByUser(_ context.Context, userID string) ([]credentials.Account, error) {
	return []credentials.Account{{UserID: userID, Exchange: "binance", Environment: common.EnvTestnet}}, nil
}

type testEnv struct {
	srv        *httptest.Server
	orders     *fakeOrders
	reconciler *fakeReconciler
	history    *fakeHistory
	creds      *fakeCredentials
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}
	env := &testEnv{
		orders:     &fakeOrders{result: order.Result{Success: true, OperationID: "op-1", ExchangeOrderID: "42"}},
		reconciler: &fakeReconciler{},
		history:    &fakeHistory{},
		creds:      &fakeCredentials{},
	}
	server := NewServer(cfg, Deps{
		Orders:      env.orders,
		Reconciler:  env.reconciler,
		Positions:   fakePositions{},
		History:     env.history,
		Credentials: env.creds,
	}, SystemMeta{DryRun: true, Exchanges: []string{"binance"}, Version: "test"}, nil)
	env.srv = httptest.NewServer(server.Router)
	t.Cleanup(env.srv.Close)
	return env
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, _, err := IssueToken(testSecret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, nil)
	var resp map[string]any
	if status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/health", "", nil, &resp); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if resp["status"] != "ok" || resp["dry_run"] != true {
		t.Fatalf("unexpected health body %v", resp)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/queue/status", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401 MISSING_TOKEN, got %d %s", status, resp.Code)
	}

	forged, _, err := IssueToken("other-secret", "u1", RoleUser, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	status = doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/queue/status", forged, nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_TOKEN" {
		t.Fatalf("expected 401 INVALID_TOKEN, got %d %s", status, resp.Code)
	}

	expired, _, err := IssueToken(testSecret, "u1", RoleUser, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	status = doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/queue/status", expired, nil, &resp)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", status)
	}
}

func TestExecuteOrderUsesTokenUser(t *testing.T) {
	env := newTestEnv(t, nil)

	var res order.Result
	status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/orders", token(t, "u1", RoleUser), map[string]any{
		"exchange": "binance",
		"symbol":   "BTCUSDT",
		"side":     "BUY",
		"quantity": 0.01,
		"urgent":   true,
	}, &res)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !res.Success || res.ExchangeOrderID != "42" {
		t.Fatalf("unexpected result %+v", res)
	}
	got := env.orders.last()
	if got.UserID != "u1" || !got.Urgent || got.Symbol != "BTCUSDT" {
		t.Fatalf("order not forwarded as submitted: %+v", got)
	}
}

func TestExecuteOrderForOtherUserNeedsOperator(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]any{"user_id": "u2", "exchange": "binance", "symbol": "BTCUSDT", "side": "SELL", "quantity": 1}

	if status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/orders", token(t, "u1", RoleUser), body, nil); status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
	if status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/orders", token(t, "ops", RoleOperator), body, nil); status != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d", status)
	}
	if got := env.orders.last(); got.UserID != "u2" {
		t.Fatalf("operator order user = %s, want u2", got.UserID)
	}
}

func TestExecuteOrderFailureStatus(t *testing.T) {
	cases := []struct {
		kind common.ErrorKind
		want int
	}{
		{common.KindValidation, http.StatusBadRequest},
		{common.KindAuth, http.StatusUnprocessableEntity},
		{common.KindTransport, http.StatusBadGateway},
		{common.KindPersistence, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.orders.result = order.Result{Error: &common.Error{Kind: tc.kind, Message: "boom"}}

			var res order.Result
			status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/orders", token(t, "u1", RoleUser), map[string]any{
				"exchange": "binance", "symbol": "BTCUSDT", "side": "BUY", "quantity": 1,
			}, &res)
			if status != tc.want {
				t.Fatalf("status = %d, want %d", status, tc.want)
			}
			if res.Error == nil || res.Error.Kind != tc.kind {
				t.Fatalf("result error = %+v", res.Error)
			}
		})
	}
}

func TestExecuteOrderRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/orders", token(t, "u1", RoleUser), map[string]any{
		"symbol": "BTCUSDT",
	}, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_REQUEST" {
		t.Fatalf("expected 400 INVALID_REQUEST, got %d %s", status, resp.Code)
	}
}

func TestQueueStatusAndReconciliationStats(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "u1", RoleUser)

	var qs struct {
		Lanes   map[string]queue.LaneStatus `json:"lanes"`
		Metrics *monitor.MetricsSnapshot    `json:"metrics"`
	}
	if status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/queue/status", tok, nil, &qs); status != http.StatusOK {
		t.Fatalf("queue status = %d", status)
	}
	if qs.Lanes[string(queue.LaneCritical)].Budget != 4 || qs.Metrics == nil {
		t.Fatalf("unexpected queue status %+v", qs)
	}

	var stats reconciliation.Stats
	if status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/reconciliation/stats", tok, nil, &stats); status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	if stats.Passes != 3 {
		t.Fatalf("passes = %d", stats.Passes)
	}
}

func TestReconcileUserAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)

	var report reconciliation.UserReport
	if status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/reconciliation/users/u1", token(t, "u1", RoleUser), nil, &report); status != http.StatusOK {
		t.Fatalf("self reconcile = %d", status)
	}
	if report.UserID != "u1" || report.ClosedExternally != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/reconciliation/users/u2", token(t, "u1", RoleUser), nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
	if status := doJSONRequest(t, http.MethodPost, env.srv.URL+"/api/reconciliation/users/u2", token(t, "ops", RoleOperator), nil, nil); status != http.StatusOK {
		t.Fatalf("operator reconcile = %d", status)
	}
	if len(env.reconciler.users) != 2 || env.reconciler.users[1] != "u2" {
		t.Fatalf("reconciled users %v", env.reconciler.users)
	}
}

func TestUserPositions(t *testing.T) {
	env := newTestEnv(t, nil)
	var resp struct {
		UserID    string               `json:"user_id"`
		Positions []db.TrackedPosition `json:"positions"`
		Count     int                  `json:"count"`
	}
	if status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/users/u1/positions", token(t, "u1", RoleUser), nil, &resp); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if resp.Count != 1 || resp.Positions[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected positions %+v", resp)
	}
}

func TestUserPositionsByStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "u1", RoleUser)
	base := env.srv.URL + "/api/users/u1/positions"

	var resp struct {
		Positions []db.TrackedPosition `json:"positions"`
	}
	if status := doJSONRequest(t, http.MethodGet, base+"?status=closed", tok, nil, &resp); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if env.history.lastStatus != db.StatusClosed || len(resp.Positions) != 1 || resp.Positions[0].Symbol != "ETHUSDT" {
		t.Fatalf("unexpected history read %q %+v", env.history.lastStatus, resp.Positions)
	}
	if status := doJSONRequest(t, http.MethodGet, base+"?status=all", tok, nil, nil); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if env.history.lastStatus != "" {
		t.Fatalf("all should not filter by status, got %q", env.history.lastStatus)
	}
	if status := doJSONRequest(t, http.MethodGet, base+"?status=pending", tok, nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", status)
	}
}

func TestReconciliationRunsOperatorOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	url := env.srv.URL + "/api/reconciliation/runs?limit=5"

	if status := doJSONRequest(t, http.MethodGet, url, token(t, "u1", RoleUser), nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for user role, got %d", status)
	}
	var resp struct {
		Runs []db.ReconciliationRun `json:"runs"`
	}
	if status := doJSONRequest(t, http.MethodGet, url, token(t, "ops", RoleOperator), nil, &resp); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].ClosedExternally != 1 {
		t.Fatalf("unexpected runs %+v", resp.Runs)
	}
}

func TestDeactivateCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "u1", RoleUser)

	if status := doJSONRequest(t, http.MethodDelete, env.srv.URL+"/api/credentials/binance/Testnet", tok, nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if len(env.creds.deactivated) != 1 || env.creds.deactivated[0] != "u1/binance/testnet" {
		t.Fatalf("deactivated %v", env.creds.deactivated)
	}
	if status := doJSONRequest(t, http.MethodDelete, env.srv.URL+"/api/credentials/okx/mainnet", tok, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestSaveCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "u1", RoleUser)

	if status := doJSONRequest(t, http.MethodPut, env.srv.URL+"/api/credentials", tok, map[string]any{
		"exchange": "binance", "environment": "staging", "api_key": "k", "api_secret": "s",
	}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad environment, got %d", status)
	}
	if status := doJSONRequest(t, http.MethodPut, env.srv.URL+"/api/credentials", tok, map[string]any{
		"exchange": "binance", "environment": "mainnet", "api_key": "k", "api_secret": "s", "is_management": true,
	}, nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for management account, got %d", status)
	}
	if status := doJSONRequest(t, http.MethodPut, env.srv.URL+"/api/credentials", tok, map[string]any{
		"exchange": " Binance ", "environment": "Testnet", "api_key": "k", "api_secret": "s", "account_tier": "vip",
	}, nil); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if len(env.creds.saved) != 1 {
		t.Fatalf("saved %d credential sets", len(env.creds.saved))
	}
	got := env.creds.saved[0]
	if got.UserID != "u1" || got.Exchange != "binance" || got.Environment != common.EnvTestnet || !got.TradingEnabled {
		t.Fatalf("unexpected save request %+v", got)
	}

	var list struct {
		Accounts []accountView `json:"accounts"`
	}
	if status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/credentials", tok, nil, &list); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(list.Accounts) != 1 || list.Accounts[0].Exchange != "binance" {
		t.Fatalf("unexpected accounts %+v", list.Accounts)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.API.RateLimitRPS = 0.001
		cfg.API.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		if status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/health", "", nil, nil); status != http.StatusOK {
			t.Fatalf("request %d status = %d", i, status)
		}
	}
	var resp struct {
		Code string `json:"code"`
	}
	if status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/health", "", nil, &resp); status != http.StatusTooManyRequests || resp.Code != "RATE_LIMITED" {
		t.Fatalf("expected 429 RATE_LIMITED, got %d %s", status, resp.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}

	resp, err = http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestIPLimitersSweepIdleEntries(t *testing.T) {
	l := newIPLimiters(10, 10)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.lastSweep = now

	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	if l.size() != 2 {
		t.Fatalf("size = %d", l.size())
	}

	now = now.Add(l.sweepEvery)
	l.allow("10.0.0.3")
	if l.size() != 1 {
		t.Fatalf("size after sweep = %d, want 1", l.size())
	}
}

func TestWebsocketWithoutHub(t *testing.T) {
	env := newTestEnv(t, nil)
	status := doJSONRequest(t, http.MethodGet, env.srv.URL+"/ws?token="+token(t, "u1", RoleUser), "", nil, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}
