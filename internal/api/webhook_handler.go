/**
 * @description
 * This file contains the HTTP handler for payment-provider webhooks. It is the entry point
 * for every charge notification.
 *
 * Key features:
 * - Security: verifies the HMAC-SHA512 signature of the raw body before decoding it.
 * - Processing: hands the verified body to the Webhook Processor, which applies it to the
 *   ledger exactly once per reference.
 * - Responses: 400 for bad signatures and malformed payloads (never retried), 200 for
 *   applied, replayed and ignored events, 5xx when the ledger is unavailable so the
 *   provider redelivers.
 */
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/subscription-ledger/internal/app"
	"github.com/transfa/subscription-ledger/internal/metrics"
	"github.com/transfa/subscription-ledger/internal/store"
	"github.com/transfa/subscription-ledger/internal/webhook"
)

const maxWebhookBodyBytes = 1 << 20

// Processor is the webhook processing dependency of WebhookHandler.
type Processor interface {
	Process(ctx context.Context, body []byte) (app.Result, error)
}

// WebhookHandler processes incoming payment webhooks.
type WebhookHandler struct {
	processor Processor
	verifier  *webhook.Verifier
	header    string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewWebhookHandler creates a new handler for the webhook endpoint. header names the
// signature header.
func NewWebhookHandler(processor Processor, verifier *webhook.Verifier, header string, logger *slog.Logger, m *metrics.Metrics) *WebhookHandler {
	if !verifier.Configured() {
		logger.Error("webhook secret is not configured; all webhook deliveries will be rejected")
	}
	return &WebhookHandler{
		processor: processor,
		verifier:  verifier,
		header:    header,
		logger:    logger.With(slog.String("component", "webhook_handler")),
		metrics:   m,
	}
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := h.logger.With(slog.String("request_id", requestID))
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.WarnContext(ctx, "webhook body too large", slog.Int64("limit", tooLarge.Limit))
			h.finish(w, "", "malformed", start, http.StatusRequestEntityTooLarge, webhookResponse{Status: "error", Message: "payload too large"})
			return
		}
		logger.WarnContext(ctx, "error reading webhook body", slog.Any("error", err))
		h.finish(w, "", "malformed", start, http.StatusBadRequest, webhookResponse{Status: "error", Message: "cannot read request body"})
		return
	}

	if !h.verifier.Verify(body, r.Header.Get(h.header)) {
		logger.WarnContext(ctx, "invalid webhook signature", slog.String("remote_addr", r.RemoteAddr))
		h.finish(w, "", "invalid_signature", start, http.StatusBadRequest, webhookResponse{Status: "invalid signature"})
		return
	}

	result, err := h.processor.Process(ctx, body)
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrMalformedEvent):
		h.finish(w, result.EventType, "malformed", start, http.StatusBadRequest, webhookResponse{Status: "error", Message: err.Error()})
		return
	case errors.Is(err, store.ErrConstraintViolation), errors.Is(err, store.ErrInvalidPayment):
		logger.WarnContext(ctx, "webhook rejected by ledger constraints", slog.String("event", result.EventType), slog.String("reference", result.Reference), slog.Any("error", err))
		h.finish(w, result.EventType, "malformed", start, http.StatusBadRequest, webhookResponse{Status: "error", Message: "payment rejected by ledger constraints"})
		return
	case store.IsTransient(err):
		logger.ErrorContext(ctx, "webhook not applied, provider will retry", slog.String("event", result.EventType), slog.String("reference", result.Reference), slog.Any("error", err))
		h.finish(w, result.EventType, "transient", start, http.StatusServiceUnavailable, webhookResponse{Status: "error", Message: "temporarily unavailable"})
		return
	default:
		logger.ErrorContext(ctx, "webhook processing failed", slog.String("event", result.EventType), slog.String("reference", result.Reference), slog.Any("error", err))
		h.finish(w, result.EventType, "error", start, http.StatusInternalServerError, webhookResponse{Status: "error", Message: "internal error"})
		return
	}

	logger.InfoContext(ctx, "webhook processed",
		slog.String("event", result.EventType),
		slog.String("outcome", string(result.Outcome)),
		slog.Duration("elapsed", time.Since(start)),
	)
	h.finish(w, result.EventType, string(result.Outcome), start, http.StatusOK, webhookResponse{Status: "success"})
}

func (h *WebhookHandler) finish(w http.ResponseWriter, event, outcome string, start time.Time, code int, body webhookResponse) {
	h.metrics.ObserveWebhook(event, outcome, time.Since(start))
	respondWithJSON(w, code, body)
}
