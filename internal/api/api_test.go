package api_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/api"
	"github.com/clearex/settlement-engine/internal/lockring"
	"github.com/clearex/settlement-engine/internal/model"
	"github.com/clearex/settlement-engine/internal/settle"
	"github.com/clearex/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := settle.NewProcessor(ms, lockring.New(500*time.Millisecond), log)
	svc := api.NewService(ms, proc, log)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetBalance(t *testing.T) {
	ms, router := newTestEnv(t)
	ms.SeedBalance(model.Balance{
		UserID: "alice", Asset: "USDT", Available: d(250.5), Locked: d(100),
	})

	w := doGet(t, router, "/api/v1/balances/alice/USDT")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp api.BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Available != "250.5" || resp.Locked != "100" || resp.Total != "350.5" {
		t.Errorf("balance = %+v", resp)
	}
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/balances/nobody/BTC")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp api.BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Available != "0" || resp.Locked != "0" {
		t.Errorf("expected zero balance, got %+v", resp)
	}
}

func TestListBalances(t *testing.T) {
	ms, router := newTestEnv(t)
	ms.SeedBalance(model.Balance{UserID: "alice", Asset: "BTC", Available: d(1)})
	ms.SeedBalance(model.Balance{UserID: "alice", Asset: "USDT", Available: d(500)})
	ms.SeedBalance(model.Balance{UserID: "bob", Asset: "ETH", Available: d(9)})

	w := doGet(t, router, "/api/v1/balances/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp []api.BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 {
		t.Errorf("got %d balances, want 2", len(resp))
	}
}

func TestGetPositionFlat(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/positions/alice/BTC/USDT")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp api.PositionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Amount != "0" {
		t.Errorf("expected flat position, got %+v", resp)
	}
}

func TestListTradesEmpty(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/trades/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/orders/missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	ms, router := newTestEnv(t)
	ms.SeedBalance(model.Balance{UserID: "alice", Asset: "USDT", Available: d(0), Locked: d(800)})
	ms.SeedOrder(model.Order{
		ID:              "buy-1",
		UserID:          "alice",
		Side:            model.SideBuy,
		BaseAsset:       "BTC",
		QuoteAsset:      "USDT",
		LimitPrice:      d(100),
		RequestedAmount: d(8),
		Status:          model.OrderPending,
	})

	req := httptest.NewRequest("POST", "/api/v1/orders/buy-1/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var o model.Order
	if err := json.Unmarshal(w.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Status != model.OrderCancelled {
		t.Errorf("status = %s, want cancelled", o.Status)
	}

	// Reservation released.
	b, _ := ms.GetBalance(req.Context(), "alice", "USDT")
	if !b.Available.Equal(d(800)) || !b.Locked.IsZero() {
		t.Errorf("balance = avail %s locked %s, want 800/0", b.Available, b.Locked)
	}

	// Second cancel conflicts.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/orders/buy-1/cancel", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", w.Code)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/orders/missing/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
