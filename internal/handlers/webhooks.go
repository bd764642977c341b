package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

const (
	defaultWebhookMaxBody         = 64 * 1024
	defaultWebhookSignatureHeader = "Signature"
	defaultWebhookTimestampHeader = "Timestamp"
	defaultWebhookIdemHeader      = "Idempotency-Key"
	webhookOrderQueryParam        = "order_id"
)

// PaymentWebhookHandlers accepts signed payment gateway notifications.
type PaymentWebhookHandlers struct {
	processor       services.WebhookProcessor
	signatureHeader string
	timestampHeader string
	idemHeader      string
	maxBody         int64
}

// WebhookOption customises the webhook handler.
type WebhookOption func(*PaymentWebhookHandlers)

// WithWebhookHeaders overrides the header names carrying the signature, timestamp and idempotency key.
func WithWebhookHeaders(signature, timestamp, idempotency string) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if v := strings.TrimSpace(signature); v != "" {
			h.signatureHeader = v
		}
		if v := strings.TrimSpace(timestamp); v != "" {
			h.timestampHeader = v
		}
		if v := strings.TrimSpace(idempotency); v != "" {
			h.idemHeader = v
		}
	}
}

// WithWebhookMaxBody bounds the accepted payload size.
func WithWebhookMaxBody(limit int64) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if limit > 0 {
			h.maxBody = limit
		}
	}
}

// NewPaymentWebhookHandlers constructs the webhook endpoint. Authentication is the HMAC
// signature checked by the processor, not a user token.
func NewPaymentWebhookHandlers(processor services.WebhookProcessor, opts ...WebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{
		processor:       processor,
		signatureHeader: defaultWebhookSignatureHeader,
		timestampHeader: defaultWebhookTimestampHeader,
		idemHeader:      defaultWebhookIdemHeader,
		maxBody:         defaultWebhookMaxBody,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers webhook endpoints under the provided router.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.handlePayment)
}

type webhookResponse struct {
	Status        string `json:"status"`
	OrderID       string `json:"orderId,omitempty"`
	OrderKind     string `json:"orderKind,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
	OrderStatus   string `json:"orderStatus,omitempty"`
}

func (h *PaymentWebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.processor == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processor unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, h.maxBody)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
		}
		return
	}

	result, err := h.processor.Process(ctx, services.WebhookRequest{
		Body:           body,
		Timestamp:      strings.TrimSpace(r.Header.Get(h.timestampHeader)),
		Signature:      strings.TrimSpace(r.Header.Get(h.signatureHeader)),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(h.idemHeader)),
		QueryOrderID:   strings.TrimSpace(r.URL.Query().Get(webhookOrderQueryParam)),
	})
	if err != nil {
		writeWebhookError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Status:        result.Status,
		OrderID:       result.OrderID,
		OrderKind:     string(result.OrderKind),
		TransactionID: result.TransactionID,
		PaymentStatus: string(result.PaymentStatus),
		OrderStatus:   result.OrderStatus,
	})
}

func writeWebhookError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrWebhookMissingSignature):
		httpx.WriteError(ctx, w, httpx.NewError("missing_signature", "webhook signature headers are required", http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature is invalid", http.StatusUnauthorized))
	case errors.Is(err, services.ErrWebhookInvalidPayload):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrWebhookAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrWebhookUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook could not be processed, retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
