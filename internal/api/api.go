// Package api provides the HTTP query surface of the settlement engine:
// balance, position, and trade snapshots, plus the order-cancel collaborator
// endpoint. Reads are point-in-time snapshots and take no settlement locks.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clearex/settlement-engine/internal/model"
	"github.com/clearex/settlement-engine/internal/order"
	"github.com/clearex/settlement-engine/internal/settle"
	"github.com/clearex/settlement-engine/internal/store"
)

// Service handles the read-side HTTP API and order cancellation.
type Service struct {
	store     store.Store
	processor *settle.Processor
	log       *slog.Logger
}

// NewService creates the API service.
func NewService(st store.Store, processor *settle.Processor, log *slog.Logger) *Service {
	return &Service{store: st, processor: processor, log: log}
}

// Routes registers the API handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/balances/{userID}", s.ListBalances)
	r.Get("/balances/{userID}/{asset}", s.GetBalance)
	r.Get("/positions/{userID}", s.ListPositions)
	r.Get("/positions/{userID}/{base}/{quote}", s.GetPosition)
	r.Get("/trades/{userID}", s.ListTrades)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
}

// BalanceResponse is the JSON body for balance reads.
type BalanceResponse struct {
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

func toBalanceResponse(b model.Balance) BalanceResponse {
	return BalanceResponse{
		UserID:    b.UserID,
		Asset:     b.Asset,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
		Total:     b.Total().String(),
	}
}

// PositionResponse is the JSON body for position reads.
type PositionResponse struct {
	UserID        string `json:"user_id"`
	BaseAsset     string `json:"base_asset"`
	QuoteAsset    string `json:"quote_asset"`
	Amount        string `json:"amount"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	RealizedPnL   string `json:"realized_pnl"`
}

func toPositionResponse(p model.Position) PositionResponse {
	return PositionResponse{
		UserID:        p.UserID,
		BaseAsset:     p.BaseAsset,
		QuoteAsset:    p.QuoteAsset,
		Amount:        p.Amount.String(),
		AvgEntryPrice: p.AvgEntryPrice.String(),
		CurrentPrice:  p.CurrentPrice.String(),
		UnrealizedPnL: p.UnrealizedPnL.String(),
		RealizedPnL:   p.RealizedPnL.String(),
	}
}

// GetBalance handles GET /api/v1/balances/{userID}/{asset}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	asset := chi.URLParam(r, "asset")

	b, err := s.store.GetBalance(r.Context(), userID, asset)
	if err != nil {
		s.log.Error("balance read failed", "user_id", userID, "asset", asset, "error", err)
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(*b))
}

// ListBalances handles GET /api/v1/balances/{userID}
func (s *Service) ListBalances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balances, err := s.store.ListBalances(r.Context(), userID)
	if err != nil {
		s.log.Error("balance list failed", "user_id", userID, "error", err)
		writeError(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	out := make([]BalanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, toBalanceResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPosition handles GET /api/v1/positions/{userID}/{base}/{quote}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	base := chi.URLParam(r, "base")
	quote := chi.URLParam(r, "quote")

	p, err := s.store.GetPosition(r.Context(), userID, base, quote)
	if err != nil {
		s.log.Error("position read failed", "user_id", userID, "error", err)
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(*p))
}

// ListPositions handles GET /api/v1/positions/{userID}
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := s.store.ListPositions(r.Context(), userID)
	if err != nil {
		s.log.Error("position list failed", "user_id", userID, "error", err)
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListTrades handles GET /api/v1/trades/{userID}
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := s.store.ListTradesByUser(r.Context(), userID)
	if err != nil {
		s.log.Error("trade list failed", "user_id", userID, "error", err)
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	o, err := s.store.GetOrder(r.Context(), orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("order read failed", "order_id", orderID, "error", err)
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	o, err := s.processor.CancelOrder(r.Context(), orderID)
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, order.ErrAlreadyTerminal):
		writeError(w, "order is already terminal", http.StatusConflict)
		return
	case err != nil:
		s.log.Error("cancel failed", "order_id", orderID, "error", err)
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
