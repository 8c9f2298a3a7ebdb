package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopsphere/payment-engine/internal/gateway"
	"github.com/shopsphere/payment-engine/internal/infrastructure/kafka"
	"github.com/shopsphere/payment-engine/internal/infrastructure/redis"
	"github.com/shopsphere/payment-engine/internal/models"
	"github.com/shopsphere/payment-engine/internal/repository"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// GatewayClient is the outbound payment gateway capability. It is nil when
// gateway credentials are absent; every call site branches on presence.
type GatewayClient interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error)
	FetchPayment(ctx context.Context, gatewayPaymentID string) (*gateway.Payment, error)
	CreateRefund(ctx context.Context, gatewayPaymentID string, amount int64, notes map[string]string) (*gateway.Refund, error)
	VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool
	KeyID() string
}

type CreateOrderResult struct {
	TransactionID  string `json:"transaction_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	KeyID          string `json:"key_id"`
}

type VerifyRequest struct {
	TransactionID    string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Items            []models.OrderItem
}

type VerifyResult struct {
	Order       *models.Order       `json:"order"`
	Transaction *models.Transaction `json:"transaction"`
}

type RefundResult struct {
	Refund      *models.Refund      `json:"refund"`
	Transaction *models.Transaction `json:"transaction"`
}

type PaymentService interface {
	CreatePaymentOrder(ctx context.Context, userID int64, amount int64, currency string, items []models.OrderItem) (*CreateOrderResult, error)
	VerifyPayment(ctx context.Context, userID int64, req VerifyRequest) (*VerifyResult, error)
	RefundPayment(ctx context.Context, ref string, amount int64, reason string) (*RefundResult, error)
	GetPayment(ctx context.Context, userID int64, isAdmin bool, id string) (*models.Transaction, error)
	GetTransactionHistory(ctx context.Context, userID int64, limit, offset int) ([]models.Transaction, error)
	GetAnalytics(ctx context.Context, day time.Time) ([]models.StatusAggregate, error)
}

type paymentService struct {
	txRepo      repository.TransactionRepository
	orderRepo   repository.OrderRepository
	gw          GatewayClient
	redisClient redis.RedisClient
	notifier    kafka.Notifier
}

func NewPaymentService(
	txRepo repository.TransactionRepository,
	orderRepo repository.OrderRepository,
	gw GatewayClient,
	redisClient redis.RedisClient,
	notifier kafka.Notifier,
) *paymentService {
	return &paymentService{
		txRepo:      txRepo,
		orderRepo:   orderRepo,
		gw:          gw,
		redisClient: redisClient,
		notifier:    notifier,
	}
}

func (s *paymentService) CreatePaymentOrder(ctx context.Context, userID int64, amount int64, currency string, items []models.OrderItem) (*CreateOrderResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "CreatePaymentOrder")
	defer span.End()

	if amount <= 0 {
		span.SetStatus(codes.Error, "amount must be positive")
		return nil, fmt.Errorf("%w: amount must be positive", pkgerrors.ErrInvalidInput)
	}
	if len(items) == 0 {
		span.SetStatus(codes.Error, "items must not be empty")
		return nil, fmt.Errorf("%w: items must not be empty", pkgerrors.ErrInvalidInput)
	}
	if currency == "" {
		currency = "INR"
	}
	if s.gw == nil {
		return nil, pkgerrors.ErrGatewayDisabled
	}

	// The transaction id doubles as the gateway receipt, so a retried client
	// request cannot create a second remote order for the same attempt.
	transactionID := "txn_" + uuid.NewString()
	gwOrder, err := s.gw.CreateOrder(ctx, amount, currency, transactionID, map[string]string{
		"user_id": fmt.Sprintf("%d", userID),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway order creation failed")
		slog.Error("failed to create gateway order", "user_id", userID, "amount", amount, "error", err)
		var apiErr *gateway.APIError
		if stderrors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrInvalidInput, apiErr.Description)
		}
		return nil, err
	}

	tx := &models.Transaction{
		ID:             transactionID,
		UserID:         userID,
		GatewayOrderID: gwOrder.ID,
		Amount:         amount,
		Currency:       currency,
		Type:           models.TypePayment,
		Status:         models.StatusInitiated,
	}
	if err := s.txRepo.Create(ctx, tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction persistence failed")
		slog.Error("failed to persist transaction", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("%w: failed to persist transaction", pkgerrors.ErrInternal)
	}

	slog.Info("payment order created",
		"transaction_id", transactionID,
		"gateway_order_id", gwOrder.ID,
		"user_id", userID,
		"amount", amount)
	return &CreateOrderResult{
		TransactionID:  transactionID,
		GatewayOrderID: gwOrder.ID,
		Amount:         amount,
		Currency:       currency,
		KeyID:          s.gw.KeyID(),
	}, nil
}

func (s *paymentService) VerifyPayment(ctx context.Context, userID int64, req VerifyRequest) (*VerifyResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "VerifyPayment")
	defer span.End()

	tx, err := s.txRepo.GetByID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, pkgerrors.ErrForbidden
	}

	// Re-submitting an already verified payment returns the existing order.
	if tx.Status == models.StatusSuccess && tx.GatewayPaymentID == req.GatewayPaymentID {
		order, err := s.orderRepo.GetByID(ctx, tx.OrderID)
		if err != nil {
			return nil, err
		}
		slog.Info("verify repeated for confirmed transaction", "transaction_id", tx.ID, "order_id", order.ID)
		return &VerifyResult{Order: order, Transaction: tx}, nil
	}

	if s.gw == nil {
		return nil, pkgerrors.ErrGatewayDisabled
	}

	if !s.gw.VerifyPaymentSignature(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		span.SetStatus(codes.Error, "signature mismatch")
		slog.Error("payment signature mismatch",
			"transaction_id", tx.ID,
			"gateway_order_id", req.GatewayOrderID,
			"gateway_payment_id", req.GatewayPaymentID)
		s.markFailed(ctx, tx, "signature mismatch", &models.FailureDetail{
			Code:     "SIGNATURE_MISMATCH",
			Message:  "payment signature verification failed",
			Category: models.FailureUserError,
		})
		return nil, fmt.Errorf("%w: signature mismatch", pkgerrors.ErrVerificationFailed)
	}

	payment, err := s.gw.FetchPayment(ctx, req.GatewayPaymentID)
	if err != nil {
		span.RecordError(err)
		if stderrors.Is(err, gateway.ErrNotFound) {
			s.markFailed(ctx, tx, "payment not found upstream", &models.FailureDetail{
				Code:     "PAYMENT_NOT_FOUND",
				Message:  "gateway does not know this payment",
				Category: models.FailureBusiness,
			})
			return nil, fmt.Errorf("%w: payment not found upstream", pkgerrors.ErrVerificationFailed)
		}
		slog.Error("failed to fetch payment from gateway", "transaction_id", tx.ID, "error", err)
		return nil, err
	}

	if payment.Amount != tx.Amount {
		span.SetStatus(codes.Error, "amount mismatch")
		slog.Error("payment amount mismatch",
			"transaction_id", tx.ID,
			"expected_amount", tx.Amount,
			"gateway_amount", payment.Amount)
		s.markFailed(ctx, tx, "amount mismatch", &models.FailureDetail{
			Code:     "AMOUNT_MISMATCH",
			Message:  fmt.Sprintf("expected %d, gateway reported %d", tx.Amount, payment.Amount),
			Category: models.FailureBusiness,
		})
		return nil, fmt.Errorf("%w: amount mismatch", pkgerrors.ErrVerificationFailed)
	}
	if payment.Status != gatewayStatusCaptured && payment.Status != gatewayStatusAuthorized {
		span.SetStatus(codes.Error, "payment not captured")
		s.markFailed(ctx, tx, "gateway status "+payment.Status, &models.FailureDetail{
			Code:     "NOT_CAPTURED",
			Message:  fmt.Sprintf("gateway payment status is %q", payment.Status),
			Category: models.FailureBusiness,
		})
		return nil, fmt.Errorf("%w: gateway status %s", pkgerrors.ErrVerificationFailed, payment.Status)
	}

	order := &models.Order{
		ID:            "order_" + uuid.NewString(),
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        models.OrderConfirmed,
		IsPaid:        true,
		Items:         req.Items,
	}
	capture := models.PaymentCapture{
		GatewayPaymentID: payment.ID,
		Method:           mapPaymentMethod(payment.Method),
		MethodDetail: methodDetailFromGateway(payment.Method,
			payment.CardLast4, payment.CardNetwork, payment.Bank, payment.VPA, payment.Wallet),
		Fees:        models.Fees{Total: payment.Fee, Tax: payment.Tax},
		Reason:      "payment verified",
		TriggeredBy: models.TriggerClientVerify,
	}

	expected := []models.Status{
		models.StatusInitiated, models.StatusPending, models.StatusProcessing,
		models.StatusAuthorized, models.StatusCaptured,
	}
	updated, err := s.txRepo.ConfirmWithOrder(ctx, tx.ID, expected, order, capture)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrStatusConflict) {
			// A concurrent webhook may have confirmed first; re-read.
			fresh, readErr := s.txRepo.GetByID(ctx, tx.ID)
			if readErr == nil && fresh.Status == models.StatusSuccess && fresh.OrderID != "" {
				existing, orderErr := s.orderRepo.GetByID(ctx, fresh.OrderID)
				if orderErr == nil {
					return &VerifyResult{Order: existing, Transaction: fresh}, nil
				}
			}
			return nil, err
		}
		if stderrors.Is(err, pkgerrors.ErrGatewayPaymentIDSet) {
			// The transaction is already bound to a different gateway payment;
			// this submission conflicts with recorded state, nothing to park.
			slog.Error("verify payment id differs from recorded one",
				"transaction_id", tx.ID,
				"submitted", req.GatewayPaymentID)
			return nil, fmt.Errorf("%w: payment id does not match the recorded payment", pkgerrors.ErrVerificationFailed)
		}
		span.RecordError(err)
		// The gateway confirmed the money moved; never lose the attempt.
		// Park the transaction where reconciliation will pick it up.
		slog.Error("order creation failed after gateway confirmation",
			"transaction_id", tx.ID,
			"gateway_payment_id", payment.ID,
			"error", err)
		if _, trErr := ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
			To:          models.StatusProcessing,
			Reason:      "order creation failed, awaiting reconciliation",
			TriggeredBy: models.TriggerClientVerify,
		}); trErr != nil {
			slog.Error("failed to park transaction for reconciliation", "transaction_id", tx.ID, "error", trErr)
		}
		return nil, fmt.Errorf("%w: order creation failed", pkgerrors.ErrInternal)
	}

	confirmedOrder, err := s.orderRepo.GetByID(ctx, updated.OrderID)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Notify(tx.UserID, "payment.success", map[string]any{
			"transaction_id": tx.ID,
			"order_id":       confirmedOrder.ID,
			"amount":         tx.Amount,
		})
	}

	slog.Info("payment verified",
		"transaction_id", tx.ID,
		"order_id", confirmedOrder.ID,
		"gateway_payment_id", payment.ID,
		"amount", tx.Amount)
	return &VerifyResult{Order: confirmedOrder, Transaction: updated}, nil
}

// markFailed transitions a transaction to failed with its failure detail,
// best-effort: a conflicting terminal state is logged, never overwritten.
func (s *paymentService) markFailed(ctx context.Context, tx *models.Transaction, reason string, failure *models.FailureDetail) {
	updated, err := ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          models.StatusFailed,
		Reason:      reason,
		TriggeredBy: models.TriggerClientVerify,
		Failure:     failure,
	})
	if err != nil {
		slog.Error("failed to mark transaction failed", "transaction_id", tx.ID, "reason", reason, "error", err)
		return
	}
	if s.notifier != nil && updated.Status == models.StatusFailed {
		s.notifier.Notify(tx.UserID, "payment.failed", map[string]any{
			"transaction_id": tx.ID,
			"reason":         reason,
		})
	}
}

func (s *paymentService) RefundPayment(ctx context.Context, ref string, amount int64, reason string) (*RefundResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "RefundPayment")
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", pkgerrors.ErrInvalidInput)
	}
	if s.gw == nil {
		return nil, pkgerrors.ErrGatewayDisabled
	}

	tx, err := s.txRepo.GetByID(ctx, ref)
	if stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
		tx, err = s.txRepo.GetByGatewayPaymentID(ctx, ref)
	}
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case models.StatusSuccess, models.StatusCaptured, models.StatusPartiallyRefunded:
	default:
		return nil, fmt.Errorf("%w: status is %s", pkgerrors.ErrRefundNotAllowed, tx.Status)
	}

	var refundedSoFar int64
	if tx.Refund != nil {
		refundedSoFar = tx.Refund.Amount
	}
	if refundedSoFar+amount > tx.Amount {
		return nil, pkgerrors.ErrRefundExceedsAmount
	}

	gwRefund, err := s.gw.CreateRefund(ctx, tx.GatewayPaymentID, amount, map[string]string{
		"reason": reason,
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to create gateway refund", "transaction_id", tx.ID, "amount", amount, "error", err)
		return nil, err
	}

	refund := tx.Refund
	if refund == nil {
		refund = &models.Refund{
			ID:        "rfnd_" + uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		}
	}
	refund.GatewayRefundID = gwRefund.ID
	// Count the refund now so the refund.processed webhook for the same
	// gateway refund entity does not add it a second time.
	refund.GatewayRefundIDs = append(refund.GatewayRefundIDs, gwRefund.ID)
	refund.Amount = refundedSoFar + amount
	refund.Status = "processing"
	refund.Reason = reason
	if err := s.txRepo.SetRefund(ctx, tx.ID, refund); err != nil {
		return nil, err
	}

	target := models.StatusPartiallyRefunded
	fullRefund := refund.Amount == tx.Amount
	if fullRefund {
		target = models.StatusRefunded
	}
	updated, err := ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          target,
		Reason:      fmt.Sprintf("refund of %d: %s", amount, reason),
		TriggeredBy: models.TriggerManual,
		Metadata:    map[string]any{"gateway_refund_id": gwRefund.ID, "refund_amount": amount},
	})
	if err != nil {
		return nil, err
	}

	if fullRefund && tx.OrderID != "" {
		if err := s.orderRepo.UpdateStatus(ctx, tx.OrderID, models.OrderCancelled); err != nil {
			slog.Error("failed to cancel order after full refund", "order_id", tx.OrderID, "error", err)
		}
	}

	if s.notifier != nil {
		event := "payment.partially_refunded"
		if fullRefund {
			event = "payment.refunded"
		}
		s.notifier.Notify(tx.UserID, event, map[string]any{
			"transaction_id": tx.ID,
			"refund_amount":  amount,
		})
	}

	slog.Info("refund created",
		"transaction_id", tx.ID,
		"gateway_refund_id", gwRefund.ID,
		"amount", amount,
		"full_refund", fullRefund)
	return &RefundResult{Refund: refund, Transaction: updated}, nil
}

func (s *paymentService) GetPayment(ctx context.Context, userID int64, isAdmin bool, id string) (*models.Transaction, error) {
	tx, err := s.txRepo.GetByID(ctx, id)
	if stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
		tx, err = s.txRepo.GetByGatewayPaymentID(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if !isAdmin && tx.UserID != userID {
		return nil, pkgerrors.ErrForbidden
	}

	history, err := s.txRepo.History(ctx, tx.ID)
	if err != nil {
		slog.Error("failed to load status history", "transaction_id", tx.ID, "error", err)
	} else {
		tx.History = history
	}
	return tx, nil
}

func (s *paymentService) GetTransactionHistory(ctx context.Context, userID int64, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.txRepo.ListByUser(ctx, userID, limit, offset)
}

func (s *paymentService) GetAnalytics(ctx context.Context, day time.Time) ([]models.StatusAggregate, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)
	cacheKey := "analytics:payments:" + from.Format("2006-01-02")

	if s.redisClient != nil {
		if cached, err := s.redisClient.Get(ctx, cacheKey); err == nil {
			var aggs []models.StatusAggregate
			if err := json.Unmarshal([]byte(cached), &aggs); err == nil {
				return aggs, nil
			}
			slog.Error("failed to unmarshal cached analytics", "key", cacheKey, "error", err)
		}
	}

	aggs, err := s.txRepo.AggregateByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}

	if s.redisClient != nil {
		if data, err := json.Marshal(aggs); err == nil {
			if err := s.redisClient.Set(ctx, cacheKey, string(data), time.Hour); err != nil {
				slog.Error("failed to cache analytics", "key", cacheKey, "error", err)
			}
		}
	}
	return aggs, nil
}
