// Package trade provides the HTTP handlers for registering players,
// opening and closing positions, and reading the leaderboard, global
// stats and mark price.
//
// Handlers decode JSON, call the engine and map its errors to status
// codes. No ledger logic lives here.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rewardgame/ledger-engine/internal/account"
	"github.com/rewardgame/ledger-engine/internal/engine"
	"github.com/rewardgame/ledger-engine/internal/model"
	"github.com/rewardgame/ledger-engine/internal/stats"
	"github.com/rewardgame/ledger-engine/internal/store"
)

// Service holds the HTTP handlers.
type Service struct {
	engine   *engine.Engine
	registry *account.Registry
	stats    *stats.Aggregator
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine, reg *account.Registry) *Service {
	return &Service{
		engine:   eng,
		registry: reg,
		stats:    eng.Stats(),
	}
}

// --- Request/Response types ---

// OpenResponse is the JSON body returned from POST /orders/open.
type OpenResponse struct {
	OrderID string       `json:"order_id"`
	Order   *model.Order `json:"order"`
}

// CloseResponse is the JSON body returned from POST /orders/close.
type CloseResponse struct {
	OK         bool              `json:"ok"`
	Settlement *model.Settlement `json:"settlement"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- HTTP Handlers ---

// RegisterUser handles POST /api/v1/users
func (s *Service) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var p account.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	acc, err := s.registry.Register(r.Context(), p)
	if err != nil {
		if errors.Is(err, account.ErrInvalidID) || errors.Is(err, account.ErrInvalidWallet) {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		slog.Error("register user failed", "user_id", p.ID, "err", err)
		writeUnavailable(w, "failed to register user", "STORE_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	acc, err := s.registry.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		slog.Error("get user failed", "user_id", userID, "err", err)
		writeUnavailable(w, "failed to load user", "STORE_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetUserOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	orders, err := s.engine.UserOrders(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// OpenPosition handles POST /api/v1/orders/open
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req engine.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	order, err := s.engine.OpenPosition(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OpenResponse{OrderID: order.ID, Order: order})
}

// ClosePosition handles POST /api/v1/orders/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req engine.CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	settlement, err := s.engine.ClosePosition(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseResponse{OK: true, Settlement: settlement})
}

// GetLeaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.stats.Leaderboard(r.Context(), limit)
	if err != nil {
		slog.Error("leaderboard failed", "err", err)
		writeUnavailable(w, "failed to load leaderboard", "STORE_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetGlobalStats handles GET /api/v1/stats
func (s *Service) GetGlobalStats(w http.ResponseWriter, r *http.Request) {
	gs, err := s.stats.Global(r.Context())
	if err != nil {
		slog.Error("global stats failed", "err", err)
		writeUnavailable(w, "failed to load stats", "STORE_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

// GetPrice handles GET /api/v1/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.CurrentPrice(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "user id must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateOpenOrder), errors.Is(err, engine.ErrAlreadyPending):
		return http.StatusConflict
	case errors.Is(err, engine.ErrPriceDeviation), errors.Is(err, engine.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case engine.Retryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := engine.Code(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "code", code, "err", err)
	}
	if status == http.StatusServiceUnavailable {
		writeUnavailable(w, err.Error(), code)
		return
	}
	writeError(w, err.Error(), code, status)
}

func writeUnavailable(w http.ResponseWriter, message, code string) {
	w.Header().Set("Retry-After", "1")
	writeError(w, message, code, http.StatusServiceUnavailable)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
