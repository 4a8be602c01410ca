package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/lmsr"
	"github.com/agora/market-engine/internal/model"
	"github.com/agora/market-engine/internal/store"
)

// --- Request types ---

// CreateUserRequest is the JSON body for POST /api/v1/users.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// CreateMarketRequest is the JSON body for POST /api/v1/markets.
type CreateMarketRequest struct {
	Question    string          `json:"question"`
	Description string          `json:"description"`
	CreatorID   string          `json:"creator_id"`
	OracleID    string          `json:"oracle_id"`
	EndDate     time.Time       `json:"end_date"`
	B           decimal.Decimal `json:"b"` // liquidity parameter; 0 → default
}

// TradeRequest is the JSON body for buy and sell endpoints.
type TradeRequest struct {
	UserID string          `json:"user_id"`
	Side   string          `json:"side"` // "yes" or "no"
	Shares decimal.Decimal `json:"shares"`
}

// CloseRequest is the JSON body for POST /api/v1/markets/{marketID}/close.
type CloseRequest struct {
	UserID string `json:"user_id"`
}

// ResolveRequest is the JSON body for POST /api/v1/markets/{marketID}/resolve.
type ResolveRequest struct {
	UserID  string `json:"user_id"`
	Outcome *bool  `json:"outcome"`
}

// Routes mounts all market-engine endpoints on the router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.handleCreateUser)
	r.Get("/users/{userID}", s.handleGetUser)

	r.Post("/markets", s.handleCreateMarket)
	r.Get("/markets", s.handleListMarkets)
	r.Get("/markets/{marketID}", s.handleGetMarket)
	r.Get("/markets/{marketID}/quote", s.handleQuote)
	r.Get("/markets/{marketID}/history", s.handleHistory)
	r.Post("/markets/{marketID}/buy", s.handleBuy)
	r.Post("/markets/{marketID}/sell", s.handleSell)
	r.Post("/markets/{marketID}/close", s.handleClose)
	r.Post("/markets/{marketID}/resolve", s.handleResolve)

	r.Get("/positions/{userID}", s.handlePositions)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Handlers ---

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.CreateUser(r.Context(), req.Username)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.CreateMarket(r.Context(), CreateMarketParams{
		Question:    req.Question,
		Description: req.Description,
		CreatorID:   req.CreatorID,
		OracleID:    req.OracleID,
		EndDate:     req.EndDate,
		Liquidity:   req.B,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.marketView(*market))
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.ListMarkets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := s.GetMarketView(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleQuote handles GET /api/v1/markets/{marketID}/quote?side=yes&shares=10
func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	side, err := model.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	shares, err := decimal.NewFromString(r.URL.Query().Get("shares"))
	if err != nil {
		writeError(w, "shares must be a decimal number", http.StatusBadRequest)
		return
	}

	quote, err := s.QuoteBuy(r.Context(), chi.URLParam(r, "marketID"), shares, side)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// handleHistory handles GET /api/v1/markets/{marketID}/history?limit=100
func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history, err := s.PriceHistory(r.Context(), chi.URLParam(r, "marketID"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Service) handleBuy(w http.ResponseWriter, r *http.Request) {
	marketID, req, side, ok := decodeTrade(w, r)
	if !ok {
		return
	}

	result, err := s.ExecuteBuy(r.Context(), marketID, req.UserID, req.Shares, side)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleSell(w http.ResponseWriter, r *http.Request) {
	marketID, req, side, ok := decodeTrade(w, r)
	if !ok {
		return
	}

	result, err := s.ExecuteSell(r.Context(), marketID, req.UserID, req.Shares, side)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeTrade(w http.ResponseWriter, r *http.Request) (string, TradeRequest, model.Side, bool) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return "", req, "", false
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return "", req, "", false
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", req, "", false
	}
	return chi.URLParam(r, "marketID"), req, side, true
}

func (s *Service) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	market, err := s.CloseMarket(r.Context(), chi.URLParam(r, "marketID"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.marketView(*market))
}

func (s *Service) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Outcome == nil {
		writeError(w, "outcome is required", http.StatusBadRequest)
		return
	}

	report, err := s.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), *req.Outcome, req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Response helpers ---

// statusFor maps service and store errors to HTTP status codes:
// validation → 400, missing resources → 404, state and funds conflicts →
// 409, authorization → 403, transient infrastructure → 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrQuestionRequired),
		errors.Is(err, ErrEndDateInPast),
		errors.Is(err, ErrUsernameRequired),
		errors.Is(err, model.ErrInvalidSide),
		errors.Is(err, lmsr.ErrInvalidAmount),
		errors.Is(err, lmsr.ErrInvalidLiquidity):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrMarketNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrMarketClosed),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrNotYetClosed),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, store.ErrInsufficientBalance),
		errors.Is(err, store.ErrUsernameTaken),
		errors.Is(err, lmsr.ErrInsufficientSupply):
		return http.StatusConflict
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
