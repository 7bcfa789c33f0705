package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"CryptoHub/internal/cache"
	"CryptoHub/internal/coordinator"
	"CryptoHub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// userID reads the authenticated user from the X-User-ID header. Auth
// itself lives at the gateway; the sync core only scopes by owner.
func userID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.Header.Get("X-User-ID"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error     string `json:"error"`
	Class     string `json:"class"`
	Reference string `json:"reference,omitempty"`
}

// writeError maps the core's error taxonomy onto HTTP statuses. A
// ReconciliationError keeps its external reference in the body: the
// caller needs it to reconcile.
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound  *store.NotFoundError
		remote    *store.RemoteWriteError
		external  *coordinator.ExternalActionError
		reconcile *coordinator.ReconciliationError
		fetch     *cache.FetchError
	)
	switch {
	case errors.As(err, &reconcile):
		writeJSON(w, http.StatusConflict, apiError{
			Error: reconcile.Error(), Class: "reconciliation", Reference: reconcile.Reference,
		})
	case errors.As(err, &external):
		status := http.StatusBadGateway
		if external.UserRejected {
			status = http.StatusUnprocessableEntity
		}
		if external.Timeout {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, apiError{Error: external.Error(), Class: "external_action"})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: notFound.Error(), Class: "not_found"})
	case errors.As(err, &remote):
		writeJSON(w, http.StatusBadGateway, apiError{Error: remote.Error(), Class: "remote_write"})
	case errors.As(err, &fetch):
		writeJSON(w, http.StatusBadGateway, apiError{Error: fetch.Error(), Class: "cache_fetch"})
	default:
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error(), Class: "internal"})
	}
}

// --- Swaps ---

type swapRequestJSON struct {
	FromAsset    string `json:"from_asset"`
	FromSymbol   string `json:"from_symbol"`
	FromName     string `json:"from_name"`
	ToAsset      string `json:"to_asset"`
	ToSymbol     string `json:"to_symbol"`
	ToName       string `json:"to_name"`
	FromAmount   string `json:"from_amount"`
	QuotedTo     string `json:"quoted_to"`
	ExchangeRate string `json:"exchange_rate"`
	SlippageBps  int32  `json:"slippage_bps"`
	Protocol     string `json:"protocol"`
	Email        string `json:"email,omitempty"`
}

func (s *Server) handleExecuteSwap(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "missing or invalid X-User-ID", Class: "auth"})
		return
	}

	var in swapRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Class: "bad_request"})
		return
	}

	fromAmount, err := decimal.NewFromString(in.FromAmount)
	if err != nil || !fromAmount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "from_amount must be a positive decimal", Class: "bad_request"})
		return
	}
	quotedTo, err := decimal.NewFromString(in.QuotedTo)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "quoted_to must be a decimal", Class: "bad_request"})
		return
	}
	rate, err := decimal.NewFromString(in.ExchangeRate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "exchange_rate must be a decimal", Class: "bad_request"})
		return
	}

	// Display names are optional on the wire; the symbol is a usable
	// fallback for the denormalized holdings row.
	if in.FromName == "" {
		in.FromName = in.FromSymbol
	}
	if in.ToName == "" {
		in.ToName = in.ToSymbol
	}

	record, err := s.deps.Swaps.ExecuteSwap(r.Context(), coordinator.SwapRequest{
		UserID:       uid,
		FromAsset:    in.FromAsset,
		FromSymbol:   in.FromSymbol,
		FromName:     in.FromName,
		ToAsset:      in.ToAsset,
		ToSymbol:     in.ToSymbol,
		ToName:       in.ToName,
		FromAmount:   fromAmount,
		QuotedTo:     quotedTo,
		ExchangeRate: rate,
		SlippageBps:  in.SlippageBps,
		Protocol:     in.Protocol,
		Email:        in.Email,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "missing or invalid X-User-ID", Class: "auth"})
		return
	}
	limit := queryInt(r, "limit", 50)

	// Limit is part of the key so differently-sized pages never serve
	// each other; invalidation by the "swaps:<user>" prefix still
	// covers both.
	v, err := s.deps.Cache.Get(r.Context(), "swaps:"+uid.String()+":"+strconv.Itoa(limit),
		func(ctx context.Context) (interface{}, error) {
			return s.deps.SwapStore.ListByUser(ctx, uid, limit)
		}, cacheListOpts(s))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func cacheListOpts(s *Server) cache.Options {
	return cache.Options{StaleAfter: s.listStale, DropAfter: s.listDrop}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// --- Portfolio / fiat reads ---

func (s *Server) handleListPortfolio(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "missing or invalid X-User-ID", Class: "auth"})
		return
	}

	v, err := s.deps.Cache.Get(r.Context(), "portfolio:"+uid.String(),
		func(ctx context.Context) (interface{}, error) {
			return s.deps.Portfolio.ListByUser(ctx, uid)
		}, cacheListOpts(s))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListBalances(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "missing or invalid X-User-ID", Class: "auth"})
		return
	}

	v, err := s.deps.Cache.Get(r.Context(), "fiat:"+uid.String(),
		func(ctx context.Context) (interface{}, error) {
			return s.deps.FiatStore.ListBalances(ctx, uid)
		}, cacheListOpts(s))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Fiat mutations ---

type addFundsJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleAddFunds(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "missing or invalid X-User-ID", Class: "auth"})
		return
	}

	var in addFundsJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Class: "bad_request"})
		return
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil || !amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "amount must be a positive decimal", Class: "bad_request"})
		return
	}
	if in.Currency == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "currency is required", Class: "bad_request"})
		return
	}

	result, err := s.deps.Fiat.AddFunds(r.Context(), uid, amount, in.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"transaction_id": result.TransactionID.String(),
		"session_ref":    result.SessionRef,
		"redirect_url":   result.RedirectURL,
	})
}

type verifyPaymentJSON struct {
	SessionRef string `json:"session_ref"`
	Email      string `json:"email,omitempty"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var in verifyPaymentJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Class: "bad_request"})
		return
	}
	if in.SessionRef == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "session_ref is required", Class: "bad_request"})
		return
	}

	if err := s.deps.Fiat.VerifyPayment(r.Context(), in.SessionRef, in.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// --- Credit ---

func (s *Server) handleCreditScore(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "missing or invalid X-User-ID", Class: "auth"})
		return
	}

	v, err := s.deps.Cache.Get(r.Context(), "credit:"+uid.String(),
		func(ctx context.Context) (interface{}, error) {
			score, err := s.deps.CreditStore.Get(ctx, uid)
			if err != nil {
				return nil, err
			}
			if score == nil {
				// First look: compute on demand, then read back.
				if _, err := s.deps.Credit.Recompute(ctx, uid); err != nil {
					return nil, err
				}
				return s.deps.CreditStore.Get(ctx, uid)
			}
			return score, nil
		}, cacheListOpts(s))
	if err != nil {
		writeError(w, err)
		return
	}

	score, ok := v.(*store.CreditScore)
	if !ok || score == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "no credit score", Class: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    score.UserID,
		"score":      score.Score,
		"factors":    json.RawMessage(score.Factors),
		"updated_at": score.UpdatedAt,
	})
}

// --- Market ---

func (s *Server) handleMarketPrices(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.deps.Market.Prices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// --- Notifications ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": s.deps.Notifications.List(limit),
		"unread":        s.deps.Notifications.UnreadCount(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid notification id", Class: "bad_request"})
		return
	}
	if !s.deps.Notifications.MarkRead(id) {
		writeJSON(w, http.StatusNotFound, apiError{Error: "notification not found", Class: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	s.deps.Notifications.MarkAllRead()
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	s.deps.Notifications.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
