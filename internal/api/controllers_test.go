package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"order-core/internal/account"
	"order-core/internal/balance"
	"order-core/internal/compliance"
	"order-core/internal/engine"
	"order-core/internal/events"
	"order-core/internal/monitor"
	"order-core/internal/order"
	"order-core/internal/position"
	"order-core/internal/supervisor"
	"order-core/pkg/db"
)

// fakeEngine records submissions and returns a configurable error.
type fakeEngine struct {
	mu          sync.Mutex
	specs       []order.Spec
	submitErr   error
	orders      map[string]*order.Order
	supervisors map[string]supervisor.Snapshot
	funds       map[string]decimal.Decimal
	halted      map[string]string
	open        []compliance.Event
}

func fundsKey(account, asset string) string { return account + "/" + asset }

func (f *fakeEngine) SubmitOrder(_ context.Context, account string, spec order.Spec) (engine.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.submitErr != nil {
		return engine.SubmitResult{Kind: spec.Kind()}, f.submitErr
	}
	o := &order.Order{ID: fmt.Sprintf("ord-%d", len(f.specs)), AccountID: account, Status: order.StatusMatching}
	f.orders[o.ID] = o
	return engine.SubmitResult{ID: o.ID, Kind: spec.Kind(), Order: o}, nil
}

func (f *fakeEngine) lastSpec() order.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func (f *fakeEngine) CancelOrder(_ context.Context, account, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || o.AccountID != account {
		return order.ErrNotFound
	}
	if o.Status.IsTerminal() {
		return order.ErrAlreadyTerminal
	}
	o.Status = order.StatusCancelled
	return nil
}

func (f *fakeEngine) GetOrder(_ context.Context, id string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, order.ErrNotFound
}

func (f *fakeEngine) ListOrders(context.Context, string, bool) ([]*order.Order, error) {
	return nil, nil
}
func (f *fakeEngine) GetSupervisor(context.Context, string) (supervisor.Snapshot, error) {
	return supervisor.Snapshot{}, supervisor.ErrNotFound
}
func (f *fakeEngine) ListSupervisors(context.Context, string) ([]supervisor.Snapshot, error) {
	return nil, nil
}
func (f *fakeEngine) AmendSupervisor(_ context.Context, account, id string, a supervisor.Amend) (supervisor.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.supervisors[id]
	if !ok || snap.AccountID != account {
		return supervisor.Snapshot{}, order.ErrNotFound
	}
	if snap.Status != supervisor.StatusActive {
		return snap, order.ErrAlreadyTerminal
	}
	if a.Slice.IsNegative() {
		return snap, fmt.Errorf("%w: slice must be positive", order.ErrInvalidOrder)
	}
	ib := *snap.Iceberg
	ib.Slice = a.Slice
	snap.Iceberg = &ib
	f.supervisors[id] = snap
	return snap, nil
}
func (f *fakeEngine) GetPosition(_ context.Context, account, symbol string) (position.Position, error) {
	return position.Position{AccountID: account, Symbol: symbol}, nil
}
func (f *fakeEngine) ListPositions(context.Context, string) ([]position.Position, error) {
	return nil, nil
}
func (f *fakeEngine) PositionHistory(context.Context, string) ([]position.Position, error) {
	return nil, nil
}
func (f *fakeEngine) GetBalances(context.Context, string) ([]balance.Balance, error) {
	return nil, nil
}
func (f *fakeEngine) Deposit(_ context.Context, account, asset string, amount decimal.Decimal) (balance.Balance, error) {
	if !amount.IsPositive() {
		return balance.Balance{}, balance.ErrInvalidAmount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fundsKey(account, asset)
	f.funds[k] = f.funds[k].Add(amount)
	return balance.Balance{Asset: asset, Available: f.funds[k]}, nil
}
func (f *fakeEngine) Withdraw(_ context.Context, account, asset string, amount decimal.Decimal) (balance.Balance, error) {
	if !amount.IsPositive() {
		return balance.Balance{}, balance.ErrInvalidAmount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.halted[account]; ok {
		return balance.Balance{}, balance.ErrAccountHalted
	}
	k := fundsKey(account, asset)
	if f.funds[k].LessThan(amount) {
		return balance.Balance{}, balance.ErrInsufficientFunds
	}
	f.funds[k] = f.funds[k].Sub(amount)
	return balance.Balance{Asset: asset, Available: f.funds[k]}, nil
}
func (f *fakeEngine) AccountStatus(_ context.Context, account string) (engine.AccountStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, halted := f.halted[account]
	return engine.AccountStatus{AccountID: account, Halted: halted, HaltReason: reason}, nil
}
func (f *fakeEngine) ResumeAccount(ctx context.Context, account string) (engine.AccountStatus, error) {
	f.mu.Lock()
	delete(f.halted, account)
	f.mu.Unlock()
	return f.AccountStatus(ctx, account)
}
func (f *fakeEngine) OpenComplianceEvents(_ context.Context, severity compliance.Severity, limit int) ([]compliance.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []compliance.Event
	for _, e := range f.open {
		if severity != "" && e.Severity != severity {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
func (f *fakeEngine) ListComplianceEvents(context.Context, compliance.Query) ([]compliance.Event, error) {
	return nil, nil
}
func (f *fakeEngine) ResolveComplianceEvent(context.Context, string, string) error {
	return db.ErrNotFound
}
func (f *fakeEngine) ComplianceStats(context.Context) (db.ComplianceStats, error) {
	return db.ComplianceStats{}, nil
}
func (f *fakeEngine) GetSystemStatus(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{Version: "test"}
}

type testServer struct {
	*httptest.Server
	engine *fakeEngine
	dir    *account.Directory
	bus    *events.Bus
}

func newTestAPIServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	eng := &fakeEngine{
		orders:      make(map[string]*order.Order),
		supervisors: make(map[string]supervisor.Snapshot),
		funds:       make(map[string]decimal.Decimal),
		halted:      make(map[string]string),
	}
	dir := account.NewDirectory(database, "standard", nil)
	bus := events.NewBus()
	server := NewServer(Options{
		Engine:    eng,
		Accounts:  dir,
		Bus:       bus,
		Metrics:   monitor.NewSystemMetrics(),
		JWTSecret: "test-secret",
	})

	ts := &testServer{Server: httptest.NewServer(server.Router), engine: eng, dir: dir, bus: bus}
	t.Cleanup(func() {
		ts.Close()
		_ = database.Close()
	})
	return ts
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
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

	resp, err := client.Do(req)
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

func registerAndLogin(t *testing.T, ts *testServer, email string) (token, accountID string) {
	t.Helper()
	client := ts.Client()
	var regResp struct {
		AccountID string `json:"account_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email":    email,
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated || regResp.AccountID == "" {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email":    email,
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token, regResp.AccountID
}

type errorBody struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func TestAuthFlow(t *testing.T) {
	ts := newTestAPIServer(t)
	client := ts.Client()
	registerAndLogin(t, ts, "trader@example.com")

	var resp errorBody
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email": "trader@example.com", "password": "x",
	}, &resp)
	if status != http.StatusConflict || resp.Code != "EMAIL_ALREADY_REGISTERED" {
		t.Fatalf("duplicate register status=%d resp=%+v", status, resp)
	}

	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email": "trader@example.com", "password": "wrong",
	}, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("bad login status=%d resp=%+v", status, resp)
	}

	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/orders", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("unauthenticated status=%d resp=%+v", status, resp)
	}
}

func TestCreateOrderBuildsSpec(t *testing.T) {
	ts := newTestAPIServer(t)
	token, _ := registerAndLogin(t, ts, "trader@example.com")

	tests := []struct {
		name    string
		payload map[string]any
		check   func(order.Spec) bool
	}{
		{
			name:    "limit",
			payload: map[string]any{"symbol": "BTC-USD", "side": "BUY", "type": "LIMIT", "quantity": "0.01", "price": "50000"},
			check: func(s order.Spec) bool {
				l, ok := s.(order.LimitSpec)
				return ok && l.Price.Equal(decimal.NewFromInt(50000)) && l.Quantity.Equal(decimal.RequireFromString("0.01"))
			},
		},
		{
			name:    "iceberg",
			payload: map[string]any{"symbol": "BTC-USD", "side": "buy", "type": "iceberg", "quantity": "1", "slice_quantity": "0.25"},
			check: func(s order.Spec) bool {
				ib, ok := s.(order.IcebergSpec)
				return ok && ib.Side == order.SideBuy && ib.Total.Equal(decimal.NewFromInt(1)) && ib.Slice.Equal(decimal.RequireFromString("0.25"))
			},
		},
		{
			name:    "oco",
			payload: map[string]any{"symbol": "BTC-USD", "side": "SELL", "type": "OCO", "quantity": "1", "price": "60000", "stop_price": "45000"},
			check: func(s order.Spec) bool {
				o, ok := s.(order.OCOSpec)
				return ok && o.LimitPrice.Equal(decimal.NewFromInt(60000)) && o.StopPrice.Equal(decimal.NewFromInt(45000))
			},
		},
		{
			name:    "trailing",
			payload: map[string]any{"symbol": "BTC-USD", "side": "SELL", "type": "TRAILING_STOP", "quantity": "1", "distance_kind": "percent", "distance": "2"},
			check: func(s order.Spec) bool {
				tr, ok := s.(order.TrailingStopSpec)
				return ok && tr.DistanceKind == order.DistancePercent && tr.Distance.Equal(decimal.NewFromInt(2))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res engine.SubmitResult
			status := doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/orders", token, tt.payload, &res)
			if status != http.StatusCreated || res.ID == "" {
				t.Fatalf("status=%d res=%+v", status, res)
			}
			if spec := ts.engine.lastSpec(); !tt.check(spec) {
				t.Fatalf("engine received %#v", spec)
			}
		})
	}

	var resp errorBody
	status := doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/orders", token,
		map[string]any{"symbol": "BTC-USD", "side": "BUY", "type": "BRACKET", "quantity": "1"}, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_REQUEST" {
		t.Fatalf("unknown type status=%d resp=%+v", status, resp)
	}
}

func TestEngineErrorMapping(t *testing.T) {
	ts := newTestAPIServer(t)
	token, _ := registerAndLogin(t, ts, "trader@example.com")
	payload := map[string]any{"symbol": "BTC-USD", "side": "BUY", "type": "MARKET", "quantity": "1"}

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: quantity must be positive", order.ErrInvalidOrder), http.StatusBadRequest, "INVALID_ORDER"},
		{&order.RejectedError{Reason: "kyc_unverified"}, http.StatusUnprocessableEntity, "RISK_REJECTED"},
		{fmt.Errorf("lock: %w", balance.ErrInsufficientFunds), http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
		{balance.ErrAccountHalted, http.StatusUnprocessableEntity, "ACCOUNT_HALTED"},
		{errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ts.engine.mu.Lock()
			ts.engine.submitErr = tt.err
			ts.engine.mu.Unlock()

			var resp errorBody
			status := doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/orders", token, payload, &resp)
			if status != tt.status || resp.Code != tt.code {
				t.Fatalf("status=%d resp=%+v, expected %d %s", status, resp, tt.status, tt.code)
			}
			if tt.code == "RISK_REJECTED" && resp.Reason != "kyc_unverified" {
				t.Fatalf("reason=%q", resp.Reason)
			}
		})
	}
}

func TestOrderAccessIsScopedToAccount(t *testing.T) {
	ts := newTestAPIServer(t)
	alice, _ := registerAndLogin(t, ts, "alice@example.com")
	bob, _ := registerAndLogin(t, ts, "bob@example.com")
	client := ts.Client()

	var res engine.SubmitResult
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/orders", alice,
		map[string]any{"symbol": "BTC-USD", "side": "BUY", "type": "LIMIT", "quantity": "1", "price": "10"}, &res); status != http.StatusCreated {
		t.Fatalf("create status=%d", status)
	}

	var resp errorBody
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/orders/"+res.ID, bob, nil, &resp); status != http.StatusNotFound {
		t.Fatalf("foreign get status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodDelete, ts.URL+"/api/orders/"+res.ID, bob, nil, &resp); status != http.StatusNotFound {
		t.Fatalf("foreign cancel status=%d", status)
	}

	var o order.Order
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/orders/"+res.ID, alice, nil, &o); status != http.StatusOK || o.ID != res.ID {
		t.Fatalf("own get status=%d order=%+v", status, o)
	}
	if status := doJSONRequest(t, client, http.MethodDelete, ts.URL+"/api/orders/"+res.ID, alice, nil, nil); status != http.StatusOK {
		t.Fatalf("cancel status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodDelete, ts.URL+"/api/orders/"+res.ID, alice, nil, &resp); status != http.StatusConflict || resp.Code != "ALREADY_TERMINAL" {
		t.Fatalf("second cancel status=%d resp=%+v", status, resp)
	}
}

func loginAdmin(t *testing.T, ts *testServer) string {
	t.Helper()
	if err := ts.dir.Create(context.Background(), db.Account{
		ID: "ops-1", Email: "ops@example.com", PasswordHash: mustHash(t, "StrongPass123!"), Role: account.RoleAdmin,
	}); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	var login struct {
		Token string `json:"token"`
	}
	doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email": "ops@example.com", "password": "StrongPass123!",
	}, &login)
	if login.Token == "" {
		t.Fatalf("admin login failed")
	}
	return login.Token
}

func TestDepositAndComplianceRoles(t *testing.T) {
	ts := newTestAPIServer(t)
	token, accountID := registerAndLogin(t, ts, "trader@example.com")
	client := ts.Client()

	var resp errorBody
	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"self deposit", http.MethodPost, "/api/admin/accounts/" + accountID + "/deposit", map[string]any{"asset": "USD", "amount": "1000000"}},
		{"account status", http.MethodGet, "/api/admin/accounts/" + accountID, nil},
		{"resume", http.MethodPost, "/api/admin/accounts/" + accountID + "/resume", nil},
		{"compliance events", http.MethodGet, "/api/compliance/events", nil},
		{"review queue", http.MethodGet, "/api/compliance/open", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status := doJSONRequest(t, client, tt.method, ts.URL+tt.path, token, tt.body, &resp); status != http.StatusForbidden {
				t.Fatalf("trader %s %s status=%d", tt.method, tt.path, status)
			}
		})
	}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/balances/deposit", token,
		map[string]any{"asset": "USD", "amount": "1000000"}, nil); status != http.StatusNotFound {
		t.Fatalf("legacy deposit route status=%d", status)
	}

	admin := loginAdmin(t, ts)
	var bal balance.Balance
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/accounts/"+accountID+"/deposit", admin,
		map[string]any{"asset": "usd", "amount": "250.5"}, &bal)
	if status != http.StatusOK || bal.Asset != "USD" || !bal.Available.Equal(decimal.RequireFromString("250.5")) {
		t.Fatalf("deposit status=%d bal=%+v", status, bal)
	}
	ts.engine.mu.Lock()
	credited := ts.engine.funds[fundsKey(accountID, "USD")]
	ts.engine.mu.Unlock()
	if !credited.Equal(decimal.RequireFromString("250.5")) {
		t.Fatalf("credited %s to %s", credited, accountID)
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/accounts/"+accountID+"/deposit", admin,
		map[string]any{"asset": "USD", "amount": "-1"}, &resp)
	if status != http.StatusBadRequest {
		t.Fatalf("negative deposit status=%d", status)
	}

	var list []compliance.Event
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/compliance/events?status=open", admin, nil, &list); status != http.StatusOK {
		t.Fatalf("admin compliance status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/compliance/events/missing/resolve", admin,
		map[string]string{"notes": "checked"}, &resp); status != http.StatusNotFound {
		t.Fatalf("resolve missing status=%d", status)
	}
}

func TestWithdrawOwnFunds(t *testing.T) {
	ts := newTestAPIServer(t)
	token, accountID := registerAndLogin(t, ts, "trader@example.com")
	client := ts.Client()
	ts.engine.mu.Lock()
	ts.engine.funds[fundsKey(accountID, "USD")] = decimal.NewFromInt(100)
	ts.engine.mu.Unlock()

	var bal balance.Balance
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/balances/withdraw", token,
		map[string]any{"asset": "usd", "amount": "40"}, &bal)
	if status != http.StatusOK || !bal.Available.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("withdraw status=%d bal=%+v", status, bal)
	}

	var resp errorBody
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/balances/withdraw", token,
		map[string]any{"asset": "USD", "amount": "61"}, &resp)
	if status != http.StatusUnprocessableEntity || resp.Code != "INSUFFICIENT_FUNDS" {
		t.Fatalf("overdraw status=%d resp=%+v", status, resp)
	}
}

func TestAdminResumesHaltedAccount(t *testing.T) {
	ts := newTestAPIServer(t)
	token, accountID := registerAndLogin(t, ts, "trader@example.com")
	admin := loginAdmin(t, ts)
	client := ts.Client()
	ts.engine.mu.Lock()
	ts.engine.funds[fundsKey(accountID, "USD")] = decimal.NewFromInt(100)
	ts.engine.halted[accountID] = "settle debit exceeds locked"
	ts.engine.open = []compliance.Event{
		{ID: "ev-1", AccountID: accountID, Type: compliance.TypeConsistencyViolation, Severity: compliance.SeverityHigh, Status: compliance.StatusOpen},
		{ID: "ev-2", AccountID: accountID, Type: compliance.TypeReservationRepaired, Severity: compliance.SeverityMedium, Status: compliance.StatusOpen},
	}
	ts.engine.mu.Unlock()

	var queue []compliance.Event
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/compliance/open?severity=high", admin, nil, &queue); status != http.StatusOK || len(queue) != 1 || queue[0].ID != "ev-1" {
		t.Fatalf("queue status=%d events=%+v", status, queue)
	}

	var st engine.AccountStatus
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/admin/accounts/"+accountID, admin, nil, &st); status != http.StatusOK || !st.Halted || st.HaltReason == "" {
		t.Fatalf("status=%d account=%+v", status, st)
	}

	var resp errorBody
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/balances/withdraw", token,
		map[string]any{"asset": "USD", "amount": "1"}, &resp)
	if status != http.StatusUnprocessableEntity || resp.Code != "ACCOUNT_HALTED" {
		t.Fatalf("halted withdraw status=%d resp=%+v", status, resp)
	}

	st = engine.AccountStatus{}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/admin/accounts/"+accountID+"/resume", admin, nil, &st); status != http.StatusOK || st.Halted {
		t.Fatalf("resume status=%d account=%+v", status, st)
	}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/balances/withdraw", token,
		map[string]any{"asset": "USD", "amount": "1"}, nil); status != http.StatusOK {
		t.Fatalf("withdraw after resume status=%d", status)
	}
}

func TestAmendSupervisor(t *testing.T) {
	ts := newTestAPIServer(t)
	alice, aliceID := registerAndLogin(t, ts, "alice@example.com")
	bob, _ := registerAndLogin(t, ts, "bob@example.com")
	client := ts.Client()
	ts.engine.mu.Lock()
	ts.engine.supervisors["sup-1"] = supervisor.Snapshot{
		ID: "sup-1", AccountID: aliceID, Kind: supervisor.KindIceberg, Status: supervisor.StatusActive,
		Iceberg: &supervisor.IcebergState{Total: decimal.NewFromInt(1), Slice: decimal.RequireFromString("0.25")},
	}
	ts.engine.mu.Unlock()

	tests := []struct {
		name   string
		token  string
		id     string
		body   map[string]any
		status int
		code   string
	}{
		{"foreign", bob, "sup-1", map[string]any{"slice": "0.5"}, http.StatusNotFound, "NOT_FOUND"},
		{"missing", alice, "sup-9", map[string]any{"slice": "0.5"}, http.StatusNotFound, "NOT_FOUND"},
		{"invalid", alice, "sup-1", map[string]any{"slice": "-1"}, http.StatusBadRequest, "INVALID_ORDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorBody
			status := doJSONRequest(t, client, http.MethodPatch, ts.URL+"/api/supervisors/"+tt.id, tt.token, tt.body, &resp)
			if status != tt.status || resp.Code != tt.code {
				t.Fatalf("status=%d resp=%+v, expected %d %s", status, resp, tt.status, tt.code)
			}
		})
	}

	var snap supervisor.Snapshot
	status := doJSONRequest(t, client, http.MethodPatch, ts.URL+"/api/supervisors/sup-1", alice, map[string]any{"slice": "0.5"}, &snap)
	if status != http.StatusOK || snap.Iceberg == nil || !snap.Iceberg.Slice.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("amend status=%d snap=%+v", status, snap)
	}

	ts.engine.mu.Lock()
	done := ts.engine.supervisors["sup-1"]
	done.Status = supervisor.StatusDone
	ts.engine.supervisors["sup-1"] = done
	ts.engine.mu.Unlock()
	var resp errorBody
	if status := doJSONRequest(t, client, http.MethodPatch, ts.URL+"/api/supervisors/sup-1", alice, map[string]any{"slice": "0.5"}, &resp); status != http.StatusConflict || resp.Code != "ALREADY_TERMINAL" {
		t.Fatalf("amend done status=%d resp=%+v", status, resp)
	}
}

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := hashPassword(pw)
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	return h
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestAPIServer(t)
	for _, path := range []string{"/health", "/metrics", "/api/system/status", "/api/system/metrics"} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d", path, resp.StatusCode)
		}
	}
}

func TestWebsocketStreamsOwnEventsOnly(t *testing.T) {
	ts := newTestAPIServer(t)
	token, accountID := registerAndLogin(t, ts, "trader@example.com")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topics=order_update&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return ts.bus.Subscribers(events.EventOrderUpdate) > 0
	}, 2*time.Second, 5*time.Millisecond)

	ts.bus.Publish(events.EventOrderUpdate, order.Order{ID: "foreign", AccountID: "someone-else"})
	ts.bus.Publish(events.EventOrderUpdate, order.Order{ID: "mine", AccountID: accountID})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type    events.Event `json:"type"`
		Payload order.Order  `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != events.EventOrderUpdate || env.Payload.ID != "mine" {
		t.Fatalf("envelope=%+v", env)
	}
}
