package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopsphere/payment-engine/internal/gateway"
	"github.com/shopsphere/payment-engine/internal/infrastructure/auth"
	"github.com/shopsphere/payment-engine/internal/infrastructure/observability"
	"github.com/shopsphere/payment-engine/internal/models"
	service "github.com/shopsphere/payment-engine/internal/services"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
)

type Handler struct {
	payments      service.PaymentService
	webhooks      service.WebhookService
	webhookSecret string
}

func NewHandler(payments service.PaymentService, webhooks service.WebhookService, webhookSecret string) *Handler {
	return &Handler{payments: payments, webhooks: webhooks, webhookSecret: webhookSecret}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors to stable HTTP codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, "validation_error", err)
	case errors.Is(err, pkgerrors.ErrVerificationFailed):
		h.writeError(w, http.StatusBadRequest, "verification_failed", err)
	case errors.Is(err, pkgerrors.ErrRefundExceedsAmount), errors.Is(err, pkgerrors.ErrRefundNotAllowed):
		h.writeError(w, http.StatusBadRequest, "refund_rejected", err)
	case errors.Is(err, pkgerrors.ErrTransactionNotFound), errors.Is(err, pkgerrors.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, pkgerrors.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, pkgerrors.ErrGatewayUnavailable), errors.Is(err, pkgerrors.ErrGatewayDisabled):
		h.writeError(w, http.StatusServiceUnavailable, "gateway_unavailable",
			errors.New("payment gateway unavailable, try again"))
	case errors.Is(err, pkgerrors.ErrStatusConflict), errors.Is(err, pkgerrors.ErrConflictingTransition):
		h.writeError(w, http.StatusConflict, "conflict", errors.New("transaction was updated concurrently, retry"))
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", errors.New("internal error"))
	}
}

// RegisterPaymentRoutes mounts the authenticated payment routes on a router
// rooted at /payment.
func (h *Handler) RegisterPaymentRoutes(r *mux.Router) {
	r.HandleFunc("/create-order", h.CreateOrder).Methods("POST")
	r.HandleFunc("/verify", h.VerifyPayment).Methods("POST")
	r.HandleFunc("/transactions/history", h.TransactionHistory).Methods("GET")
	r.HandleFunc("/{paymentId}", h.GetPayment).Methods("GET")
}

// RegisterAdminRoutes mounts the admin-only routes; each one carries its own
// role check on top of the shared auth middleware.
func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	r.Handle("/refund", auth.AdminMiddleware(http.HandlerFunc(h.Refund))).Methods("POST")
	r.Handle("/analytics", auth.AdminMiddleware(http.HandlerFunc(h.Analytics))).Methods("GET")
}

func (h *Handler) RegisterWebhookRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/gateway", h.GatewayWebhook).Methods("POST")
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("user not authenticated"))
		return
	}

	var req struct {
		Amount   int64              `json:"amount"`
		Currency string             `json:"currency"`
		Items    []models.OrderItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}

	result, err := h.payments.CreatePaymentOrder(r.Context(), userID, req.Amount, req.Currency, req.Items)
	if err != nil {
		slog.Error("create payment order failed", "user_id", userID, "error", err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("user not authenticated"))
		return
	}

	var req struct {
		TransactionID    string `json:"transaction_id"`
		GatewayOrderID   string `json:"gateway_order_id"`
		GatewayPaymentID string `json:"gateway_payment_id"`
		Signature        string `json:"signature"`
		OrderData        struct {
			Items []models.OrderItem `json:"items"`
		} `json:"order_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}
	if req.TransactionID == "" || req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.Signature == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", errors.New("missing verification fields"))
		return
	}

	result, err := h.payments.VerifyPayment(r.Context(), userID, service.VerifyRequest{
		TransactionID:    req.TransactionID,
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
		Items:            req.OrderData.Items,
	})
	if err != nil {
		slog.Error("payment verification failed", "user_id", userID, "transaction_id", req.TransactionID, "error", err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("user not authenticated"))
		return
	}

	paymentID := mux.Vars(r)["paymentId"]
	tx, err := h.payments.GetPayment(r.Context(), userID, auth.IsAdmin(r.Context()), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transaction_id"`
		Amount        int64  `json:"amount"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}
	if req.TransactionID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", errors.New("transaction_id is required"))
		return
	}

	result, err := h.payments.RefundPayment(r.Context(), req.TransactionID, req.Amount, req.Reason)
	if err != nil {
		slog.Error("refund failed", "transaction_id", req.TransactionID, "error", err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("user not authenticated"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	txs, err := h.payments.GetTransactionHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"limit":        limit,
		"offset":       offset,
	})
}

func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", errors.New("date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	aggs, err := h.payments.GetAnalytics(r.Context(), day)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if aggs == nil {
		aggs = []models.StatusAggregate{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"date":       day.Format("2006-01-02"),
		"aggregates": aggs,
	})
}

// GatewayWebhook verifies the HMAC signature over the raw body before any
// parsing, then hands the typed event to the webhook service. Only signature
// and payload-shape failures get a non-200 answer; a failed business action
// is still acknowledged so the gateway does not retry-storm.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		// Never verify against the empty key; anyone can sign for it.
		slog.Error("webhook rejected: GATEWAY_WEBHOOK_SECRET is not configured")
		h.writeError(w, http.StatusServiceUnavailable, "webhook_disabled",
			errors.New("webhook ingestion is not configured"))
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_payload", errors.New("failed to read body"))
		return
	}

	signature := r.Header.Get("X-Gateway-Signature")
	if signature == "" || !gateway.VerifyWebhookSignature(rawBody, signature, h.webhookSecret) {
		slog.Error("webhook signature verification failed", "remote_addr", r.RemoteAddr)
		observability.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		h.writeError(w, http.StatusBadRequest, "bad_signature", errors.New("invalid webhook signature"))
		return
	}

	event, err := models.ParseEvent(rawBody)
	if err != nil {
		slog.Error("webhook payload malformed", "error", err)
		h.writeError(w, http.StatusBadRequest, "bad_payload", err)
		return
	}

	if err := h.webhooks.HandleEvent(r.Context(), event); err != nil {
		slog.Error("webhook event processing failed", "event", event.Type, "error", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
