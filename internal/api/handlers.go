/**
 * @description
 * This file contains the HTTP handlers for ledger queries and the initiating payment flow.
 * Handlers parse the request, call the ledger service and translate the ledger error
 * taxonomy into status codes in one place.
 */
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/transfa/subscription-ledger/internal/app"
	"github.com/transfa/subscription-ledger/internal/domain"
	"github.com/transfa/subscription-ledger/internal/store"
)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service *app.Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service *app.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger.With(slog.String("component", "api"))}
}

type errorResponse struct {
	Error string `json:"error"`
}

type activeResponse struct {
	Email  string                   `json:"email"`
	Active bool                     `json:"active"`
	State  domain.SubscriptionState `json:"state"`
}

type historyResponse struct {
	Email    string                 `json:"email"`
	Payments []domain.PaymentRecord `json:"payments"`
}

type statusUpdateRequest struct {
	Status domain.Status `json:"status"`
}

// respondWithError maps ledger errors to HTTP status codes.
func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrEmailRequired), errors.Is(err, store.ErrInvalidPayment):
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrConstraintViolation):
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "payment rejected by ledger constraints"})
	case errors.Is(err, store.ErrPaymentNotFound):
		respondWithJSON(w, http.StatusNotFound, errorResponse{Error: "payment not found"})
	case errors.Is(err, store.ErrDuplicateReference):
		respondWithJSON(w, http.StatusConflict, errorResponse{Error: "payment reference already recorded"})
	case store.IsTransient(err):
		h.logger.WarnContext(r.Context(), "ledger unavailable", slog.String("path", r.URL.Path), slog.Any("error", err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unknown", "error": "ledger temporarily unavailable"})
	default:
		h.logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// handleGetPaymentStatus returns the latest payment for ?email=.
func (h *Handler) handleGetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.PaymentStatus(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// handleGetPaymentHistory returns every payment for ?email=, newest first.
func (h *Handler) handleGetPaymentHistory(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	history, err := h.service.PaymentHistory(r.Context(), email)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, historyResponse{Email: email, Payments: history})
}

// handleGetActive answers whether ?email= holds an active subscription.
func (h *Handler) handleGetActive(w http.ResponseWriter, r *http.Request) {
	h.writeSubscriptionState(w, r, r.URL.Query().Get("email"))
}

// handleGetMySubscription answers for the authenticated user.
func (h *Handler) handleGetMySubscription(w http.ResponseWriter, r *http.Request) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.writeSubscriptionState(w, r, email)
}

func (h *Handler) writeSubscriptionState(w http.ResponseWriter, r *http.Request, email string) {
	state, err := h.service.SubscriptionState(r.Context(), email)
	if err != nil {
		if store.IsTransient(err) {
			respondWithJSON(w, http.StatusServiceUnavailable, activeResponse{Email: email, State: domain.SubscriptionUnknown})
			return
		}
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, activeResponse{
		Email:  email,
		Active: state == domain.SubscriptionActive,
		State:  state,
	})
}

// handleCreatePayment records a payment from the initiating flow.
func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req app.NewPayment
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	record, err := h.service.RecordPayment(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, record)
}

// handleUpdatePaymentStatus sets the status of /payments/{reference}.
func (h *Handler) handleUpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "status is required"})
		return
	}

	if err := h.service.UpdatePaymentStatus(r.Context(), reference, req.Status); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"reference": reference, "status": string(req.Status)})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
