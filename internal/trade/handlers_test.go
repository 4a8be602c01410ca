package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/model"
	"github.com/agora/market-engine/internal/store"
	"github.com/agora/market-engine/internal/trade"
)

// newTestRouter mounts the API on a chi router over an in-memory store.
func newTestRouter(t *testing.T) (chi.Router, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, nil, trade.Config{
		StartingBalance: d(1000),
		RetryBackoff:    time.Millisecond,
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r, ms
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- User endpoints ---

func TestHandleCreateUser(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{Username: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var user model.User
	json.Unmarshal(w.Body.Bytes(), &user)
	if user.ID == "" {
		t.Error("expected non-empty user id")
	}
	if !user.Balance.Equal(d(1000)) {
		t.Errorf("expected starting balance 1000, got %s", user.Balance)
	}

	// Duplicate username conflicts.
	w = doJSON(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{Username: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate username, got %d", w.Code)
	}

	// Empty username is a bad request.
	w = doJSON(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty username, got %d", w.Code)
	}

	// Fetch the created user back.
	w = doJSON(t, router, "GET", "/api/v1/users/"+user.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	w = doJSON(t, router, "GET", "/api/v1/users/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", w.Code)
	}
}

// --- Market endpoints ---

func TestHandleCreateMarket(t *testing.T) {
	router, ms := newTestRouter(t)
	seedUser(t, ms, "alice", d(1000))

	w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Question:  "Will it rain tomorrow?",
		CreatorID: "alice",
		EndDate:   future(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var view trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &view)
	if !view.B.Equal(d(100)) {
		t.Errorf("expected default b=100, got %s", view.B)
	}
	if view.Status != model.StatusActive {
		t.Errorf("expected active status, got %s", view.Status)
	}
	if !view.YesProbability.Equal(d(0.5)) {
		t.Errorf("expected opening probability 0.5, got %s", view.YesProbability)
	}

	// Past end date is a bad request.
	w = doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Question:  "Q?",
		CreatorID: "alice",
		EndDate:   past(),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for past end date, got %d: %s", w.Code, w.Body.String())
	}

	// Listing includes the created market.
	w = doJSON(t, router, "GET", "/api/v1/markets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 {
		t.Errorf("expected 1 market, got %d", len(views))
	}
}

// --- Trade endpoints ---

func TestHandleBuyAndSell(t *testing.T) {
	router, ms := newTestRouter(t)
	seedUser(t, ms, "alice", d(1000))
	seedMarket(t, ms, "m1", "alice", future())

	w := doJSON(t, router, "POST", "/api/v1/markets/m1/buy", trade.TradeRequest{
		UserID: "alice",
		Side:   "yes",
		Shares: d(10),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive cost, got %s", result.Cost)
	}
	if !result.Position.Shares.Equal(d(10)) {
		t.Errorf("expected 10 shares, got %s", result.Position.Shares)
	}
	if result.YesProbability.LessThanOrEqual(d(0.5)) {
		t.Errorf("YES probability should rise, got %s", result.YesProbability)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/m1/sell", trade.TradeRequest{
		UserID: "alice",
		Side:   "yes",
		Shares: d(4),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for sell, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Proceeds.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive proceeds, got %s", result.Proceeds)
	}
	if !result.Position.Shares.Equal(d(6)) {
		t.Errorf("expected 6 shares left, got %s", result.Position.Shares)
	}
}

func TestHandleBuy_Errors(t *testing.T) {
	router, ms := newTestRouter(t)
	seedUser(t, ms, "alice", d(1000))
	seedUser(t, ms, "poor", d(0.01))
	seedMarket(t, ms, "m1", "alice", future())

	tests := []struct {
		name string
		path string
		req  trade.TradeRequest
		want int
	}{
		{"invalid side", "/api/v1/markets/m1/buy",
			trade.TradeRequest{UserID: "alice", Side: "maybe", Shares: d(10)},
			http.StatusBadRequest},
		{"zero shares", "/api/v1/markets/m1/buy",
			trade.TradeRequest{UserID: "alice", Side: "yes", Shares: decimal.Zero},
			http.StatusBadRequest},
		{"missing user id", "/api/v1/markets/m1/buy",
			trade.TradeRequest{Side: "yes", Shares: d(10)},
			http.StatusBadRequest},
		{"unknown market", "/api/v1/markets/nope/buy",
			trade.TradeRequest{UserID: "alice", Side: "yes", Shares: d(10)},
			http.StatusNotFound},
		{"insufficient balance", "/api/v1/markets/m1/buy",
			trade.TradeRequest{UserID: "poor", Side: "yes", Shares: d(100)},
			http.StatusConflict},
		{"sell without position", "/api/v1/markets/m1/sell",
			trade.TradeRequest{UserID: "alice", Side: "no", Shares: d(10)},
			http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", tt.path, tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

// --- Quote endpoint ---

func TestHandleQuote(t *testing.T) {
	router, ms := newTestRouter(t)
	seedUser(t, ms, "alice", d(1000))
	seedMarket(t, ms, "m1", "alice", future())

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/quote?side=yes&shares=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var quote trade.Quote
	json.Unmarshal(w.Body.Bytes(), &quote)
	if quote.Cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive quote cost, got %s", quote.Cost)
	}
	if !quote.PotentialPayout.Equal(d(10)) {
		t.Errorf("expected payout 10, got %s", quote.PotentialPayout)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/quote?side=perhaps&shares=10", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad side, got %d", w.Code)
	}
	w = doJSON(t, router, "GET", "/api/v1/markets/m1/quote?side=yes&shares=ten", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad shares, got %d", w.Code)
	}
}

// --- Close & resolve endpoints ---

func TestHandleCloseAndResolve(t *testing.T) {
	router, ms := newTestRouter(t)
	seedUser(t, ms, "creator", d(1000))
	seedUser(t, ms, "alice", d(1000))
	seedMarket(t, ms, "m1", "creator", future())

	// Winning position for alice.
	w := doJSON(t, router, "POST", "/api/v1/markets/m1/buy", trade.TradeRequest{
		UserID: "alice", Side: "yes", Shares: d(10),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	// Non-creator cannot close.
	w = doJSON(t, router, "POST", "/api/v1/markets/m1/close", trade.CloseRequest{UserID: "alice"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-creator close, got %d", w.Code)
	}

	// Resolving an active market conflicts.
	outcome := true
	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", trade.ResolveRequest{
		UserID: "creator", Outcome: &outcome,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 resolving an active market, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/m1/close", trade.CloseRequest{UserID: "creator"})
	if w.Code != http.StatusOK {
		t.Fatalf("close failed: %d %s", w.Code, w.Body.String())
	}

	// Missing outcome is a bad request.
	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", trade.ResolveRequest{UserID: "creator"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing outcome, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", trade.ResolveRequest{
		UserID: "creator", Outcome: &outcome,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	var report trade.SettlementReport
	json.Unmarshal(w.Body.Bytes(), &report)
	if len(report.Paid) != 1 || !report.Paid[0].Amount.Equal(d(10)) {
		t.Errorf("expected one payout of 10, got %+v", report.Paid)
	}

	// A second resolve conflicts.
	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", trade.ResolveRequest{
		UserID: "creator", Outcome: &outcome,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for second resolve, got %d", w.Code)
	}
}

// --- History & positions endpoints ---

func TestHandleHistoryAndPositions(t *testing.T) {
	router, ms := newTestRouter(t)
	seedUser(t, ms, "alice", d(1000))
	seedMarket(t, ms, "m1", "alice", future())

	for i := 0; i < 3; i++ {
		w := doJSON(t, router, "POST", "/api/v1/markets/m1/buy", trade.TradeRequest{
			UserID: "alice", Side: "yes", Shares: d(5),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("buy %d failed: %d %s", i, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var history []model.PriceSnapshot
	json.Unmarshal(w.Body.Bytes(), &history)
	if len(history) != 3 {
		t.Errorf("expected 3 snapshots, got %d", len(history))
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/history?limit=2", nil)
	json.Unmarshal(w.Body.Bytes(), &history)
	if len(history) != 2 {
		t.Errorf("expected 2 snapshots with limit, got %d", len(history))
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/history?limit=-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/v1/positions/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []trade.PositionView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 {
		t.Fatalf("expected 1 position, got %d", len(views))
	}
	if !views[0].Shares.Equal(d(15)) {
		t.Errorf("expected 15 shares, got %s", views[0].Shares)
	}
}
