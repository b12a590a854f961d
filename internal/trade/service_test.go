package trade_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/account"
	"github.com/rewardgame/ledger-engine/internal/engine"
	"github.com/rewardgame/ledger-engine/internal/model"
	"github.com/rewardgame/ledger-engine/internal/oracle"
	"github.com/rewardgame/ledger-engine/internal/pricing"
	"github.com/rewardgame/ledger-engine/internal/pubsub"
	"github.com/rewardgame/ledger-engine/internal/store"
	"github.com/rewardgame/ledger-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	oracle *oracle.Static
	bus    *pubsub.Bus
	router chi.Router
}

// newTestEnv creates a Service over an in-memory store and a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	orc := oracle.NewStatic(d(3500))
	bus := pubsub.NewBus(64)
	eng, err := engine.New(ms, orc, bus, engine.Config{FeeRate: pricing.DefaultFeeRate})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	svc := trade.NewService(eng, account.NewRegistry(ms, 0))
	hub := trade.NewWSHub(bus)
	t.Cleanup(hub.Close)

	r := chi.NewRouter()
	r.Get("/api/v1/ws", hub.HandleWS)
	r.Post("/api/v1/users", svc.RegisterUser)
	r.Get("/api/v1/users/{userID}", svc.GetUser)
	r.Get("/api/v1/users/{userID}/orders", svc.GetUserOrders)
	r.Post("/api/v1/orders/open", svc.OpenPosition)
	r.Post("/api/v1/orders/close", svc.ClosePosition)
	r.Get("/api/v1/leaderboard", svc.GetLeaderboard)
	r.Get("/api/v1/stats", svc.GetGlobalStats)
	r.Get("/api/v1/price", svc.GetPrice)

	return &testEnv{store: ms, oracle: orc, bus: bus, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, id int64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/users", account.Profile{ID: id, DisplayName: fmt.Sprintf("p%d", id)})
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) open(t *testing.T, userID int64, collateral int64) trade.OpenResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/orders/open", engine.OpenRequest{
		UserID: userID, Side: model.Long, Leverage: 10, Collateral: collateral, ClientPrice: d(3500),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.OpenResponse
	json.NewDecoder(w.Body).Decode(&resp)
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) trade.ErrorResponse {
	t.Helper()
	var resp trade.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

// --- Account tests ---

func TestRegisterUser(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/users", account.Profile{ID: 42})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acc model.Account
	json.NewDecoder(w.Body).Decode(&acc)
	if acc.Balance != account.DefaultBalance || acc.DisplayName != account.DefaultDisplayName {
		t.Errorf("unexpected account: %+v", acc)
	}

	w = env.do(t, "GET", "/api/v1/users/42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
}

func TestRegisterUser_Invalid(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/users", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/users", account.Profile{ID: 1, WalletAddress: "0x123"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad wallet, got %d", w.Code)
	}
	if code := decodeError(t, w).Code; code != "INVALID_REQUEST" {
		t.Errorf("expected INVALID_REQUEST, got %s", code)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/api/v1/users/404", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/users/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Position tests ---

func TestOpenAndClose(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 1)

	opened := env.open(t, 1, 1000)
	if opened.OrderID == "" || opened.Order == nil || opened.OrderID != opened.Order.ID {
		t.Fatalf("unexpected open response: %+v", opened)
	}

	w := env.do(t, "GET", "/api/v1/users/1/orders", nil)
	var orders []model.Order
	json.NewDecoder(w.Body).Decode(&orders)
	if len(orders) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(orders))
	}

	w = env.do(t, "POST", "/api/v1/orders/close", engine.CloseRequest{UserID: 1, OrderID: opened.OrderID})
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var closed trade.CloseResponse
	json.NewDecoder(w.Body).Decode(&closed)
	if !closed.OK || closed.Settlement == nil {
		t.Fatalf("unexpected close response: %+v", closed)
	}
	if closed.Settlement.Balance != account.DefaultBalance-10 {
		t.Errorf("expected balance %d, got %d", account.DefaultBalance-10, closed.Settlement.Balance)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 1)
	opened := env.open(t, 1, 1000)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{
			"invalid leverage", "/api/v1/orders/open",
			engine.OpenRequest{UserID: 1, Side: model.Long, Leverage: 3, Collateral: 10, ClientPrice: d(3500)},
			http.StatusBadRequest, "INVALID_REQUEST",
		},
		{
			"duplicate open", "/api/v1/orders/open",
			engine.OpenRequest{UserID: 1, Side: model.Long, Leverage: 10, Collateral: 10, ClientPrice: d(3500)},
			http.StatusConflict, "DUPLICATE_OPEN_ORDER",
		},
		{
			"price deviation", "/api/v1/orders/open",
			engine.OpenRequest{UserID: 1, Side: model.Long, Leverage: 10, Collateral: 10, ClientPrice: d(3600)},
			http.StatusUnprocessableEntity, "PRICE_DEVIATION",
		},
		{
			"unknown order", "/api/v1/orders/close",
			engine.CloseRequest{UserID: 1, OrderID: "nope"},
			http.StatusNotFound, "NOT_FOUND",
		},
		{
			"foreign order", "/api/v1/orders/close",
			engine.CloseRequest{UserID: 2, OrderID: opened.OrderID},
			http.StatusNotFound, "NOT_FOUND",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if code := decodeError(t, w).Code; code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 1)

	w := env.do(t, "POST", "/api/v1/orders/open", engine.OpenRequest{
		UserID: 1, Side: model.Short, Leverage: 1, Collateral: account.DefaultBalance, ClientPrice: d(3500),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPriceUnavailable_Returns503(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 1)
	env.oracle.Set(decimal.Zero)

	w := env.do(t, "POST", "/api/v1/orders/open", engine.OpenRequest{
		UserID: 1, Side: model.Long, Leverage: 10, Collateral: 100, ClientPrice: d(3500),
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After: 1, got %q", w.Header().Get("Retry-After"))
	}

	if w := env.do(t, "GET", "/api/v1/price", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("price: expected 503, got %d", w.Code)
	}
}

// --- Read view tests ---

func TestLeaderboardAndStats(t *testing.T) {
	env := newTestEnv(t)
	for id := int64(1); id <= 3; id++ {
		env.register(t, id)
	}
	env.open(t, 2, 5000)

	w := env.do(t, "GET", "/api/v1/leaderboard?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []model.LeaderboardEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// User 2 paid collateral and fee, so 1 and 3 lead by ID order.
	if entries[0].UserID != 1 || entries[1].UserID != 3 || entries[0].Rank != 1 {
		t.Errorf("unexpected leaderboard: %+v", entries)
	}

	if w := env.do(t, "GET", "/api/v1/leaderboard?limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/stats", nil)
	var gs model.GlobalStats
	json.NewDecoder(w.Body).Decode(&gs)
	if gs.TotalUsers != 3 || gs.TotalVolume != 5000 || gs.TotalTransactions != 1 {
		t.Errorf("unexpected stats: %+v", gs)
	}
	if gs.Vault.Deposits != 5000 || gs.Vault.Fees != 50 {
		t.Errorf("unexpected vault: %+v", gs.Vault)
	}
}

func TestGetPrice(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var q model.Quote
	json.NewDecoder(w.Body).Decode(&q)
	if !q.Price.Equal(d(3500)) {
		t.Errorf("expected 3500, got %s", q.Price)
	}
}

// --- WebSocket tests ---

func TestWebSocket_ReceivesUserEvents(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 1)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?user_id=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait until the hub has subscribed this connection.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers(pubsub.UserKey(1)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.open(t, 1, 100)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := map[string]bool{}
	for len(seen) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		var ev pubsub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Key == pubsub.UserKey(1) {
			seen[ev.Type] = true
		}
	}
	if !seen[pubsub.TypeOrderOpened] || !seen[pubsub.TypeBalance] {
		t.Errorf("expected order_opened and balance events, got %v", seen)
	}
}

func TestWebSocket_BadUserID(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/api/v1/ws?user_id=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
