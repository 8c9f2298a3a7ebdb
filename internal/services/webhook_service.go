package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopsphere/payment-engine/internal/infrastructure/kafka"
	"github.com/shopsphere/payment-engine/internal/infrastructure/observability"
	"github.com/shopsphere/payment-engine/internal/models"
	"github.com/shopsphere/payment-engine/internal/repository"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type WebhookService interface {
	HandleEvent(ctx context.Context, event *models.Event) error
}

type webhookService struct {
	txRepo    repository.TransactionRepository
	orderRepo repository.OrderRepository
	notifier  kafka.Notifier
}

func NewWebhookService(
	txRepo repository.TransactionRepository,
	orderRepo repository.OrderRepository,
	notifier kafka.Notifier,
) *webhookService {
	return &webhookService{txRepo: txRepo, orderRepo: orderRepo, notifier: notifier}
}

// HandleEvent applies one gateway callback to local state. Unknown event
// types and events for transactions we do not know are safely ignored, since
// the gateway also notifies about entities outside this system. Errors returned
// here are logged by the HTTP layer but still answered with 200 to keep the
// gateway from retry-storming.
func (s *webhookService) HandleEvent(ctx context.Context, event *models.Event) error {
	tracer := otel.Tracer("webhook-service")
	ctx, span := tracer.Start(ctx, "HandleWebhookEvent")
	span.SetAttributes(attribute.String("event", string(event.Type)))
	defer span.End()

	var err error
	defer func() {
		result := "processed"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.WebhookEvents.WithLabelValues(string(event.Type), result).Inc()
	}()

	switch event.Type {
	case models.EventPaymentAuthorized:
		err = s.handlePaymentProgress(ctx, event.Payment, models.StatusAuthorized)
	case models.EventPaymentCaptured:
		err = s.handlePaymentProgress(ctx, event.Payment, models.StatusCaptured)
	case models.EventOrderPaid:
		err = s.handleOrderPaid(ctx, event)
	case models.EventPaymentFailed:
		err = s.handlePaymentFailed(ctx, event.Payment)
	case models.EventRefundCreated:
		err = s.handleRefund(ctx, event.Refund, "processing")
	case models.EventRefundProcessed:
		err = s.handleRefundProcessed(ctx, event.Refund)
	case models.EventRefundFailed:
		err = s.handleRefund(ctx, event.Refund, "failed")
	case models.EventDisputeCreated:
		err = s.handleDisputeCreated(ctx, event.Dispute)
	case models.EventSettlementProcessed:
		err = s.handleSettlementProcessed(ctx, event.Settlement)
	default:
		slog.Warn("ignoring unknown webhook event", "event", event.Type)
	}
	return err
}

// lookupTransaction resolves a gateway payment/order id pair to a local
// transaction. Missing transactions are a warning, not an error: events may
// arrive before the transaction is persisted.
func (s *webhookService) lookupTransaction(ctx context.Context, gatewayPaymentID, gatewayOrderID string) (*models.Transaction, error) {
	if gatewayPaymentID != "" {
		tx, err := s.txRepo.GetByGatewayPaymentID(ctx, gatewayPaymentID)
		if err == nil {
			return tx, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if gatewayOrderID != "" {
		tx, err := s.txRepo.GetByGatewayOrderID(ctx, gatewayOrderID)
		if err == nil {
			return tx, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
			return nil, err
		}
	}
	slog.Warn("webhook event for unknown transaction",
		"gateway_payment_id", gatewayPaymentID,
		"gateway_order_id", gatewayOrderID)
	return nil, nil
}

// handlePaymentProgress advances a transaction along the happy path. Events
// that arrive out of order and map to an earlier progression rank than the
// current status are treated as idempotent confirmations: the sub-records are
// still refreshed, but the status never moves backwards.
func (s *webhookService) handlePaymentProgress(ctx context.Context, payment *models.PaymentPayload, target models.Status) error {
	tx, err := s.lookupTransaction(ctx, payment.ID, payment.OrderID)
	if err != nil || tx == nil {
		return err
	}

	// An entity without an id (resolved via the order id) must not persist the
	// empty string, which would permanently block the real payment id.
	if payment.ID != "" {
		if err := s.txRepo.SetGatewayPaymentID(ctx, tx.ID, payment.ID); err != nil {
			if stderrors.Is(err, pkgerrors.ErrGatewayPaymentIDSet) {
				slog.Error("webhook payment id differs from recorded one",
					"transaction_id", tx.ID,
					"recorded", tx.GatewayPaymentID,
					"webhook", payment.ID)
			}
			return err
		}
	}

	if payment.Method != "" {
		detail := methodDetailFromGateway(payment.Method,
			payment.CardLast4, payment.CardNetwork, payment.Bank, payment.VPA, payment.Wallet)
		fees := models.Fees{Total: payment.Fee, Tax: payment.Tax}
		if err := s.txRepo.UpdatePaymentDetail(ctx, tx.ID, mapPaymentMethod(payment.Method), detail, fees); err != nil {
			slog.Error("failed to update payment detail", "transaction_id", tx.ID, "error", err)
		}
	}

	if cur, tgt := models.Rank(tx.Status), models.Rank(target); cur >= 0 && tgt >= 0 && cur >= tgt {
		slog.Info("webhook confirms already advanced transaction",
			"transaction_id", tx.ID,
			"status", tx.Status,
			"event_target", target)
		return nil
	}

	_, err = ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          target,
		Reason:      fmt.Sprintf("gateway reported %s", target),
		TriggeredBy: models.TriggerWebhook,
		Metadata:    map[string]any{"gateway_payment_id": payment.ID},
	})
	if stderrors.Is(err, pkgerrors.ErrConflictingTransition) {
		// Logged inside ApplyTransition; the event is safely ignored.
		return nil
	}
	return err
}

func (s *webhookService) handleOrderPaid(ctx context.Context, event *models.Event) error {
	payment := event.Payment
	var gatewayOrderID string
	if event.Order != nil {
		gatewayOrderID = event.Order.ID
	}
	var gatewayPaymentID string
	if payment != nil {
		gatewayPaymentID = payment.ID
		if gatewayOrderID == "" {
			gatewayOrderID = payment.OrderID
		}
	}

	tx, err := s.lookupTransaction(ctx, gatewayPaymentID, gatewayOrderID)
	if err != nil || tx == nil {
		return err
	}

	if payment != nil {
		if err := s.handlePaymentProgress(ctx, payment, models.StatusCaptured); err != nil {
			return err
		}
	}
	if tx.OrderID != "" {
		if err := s.orderRepo.MarkPaid(ctx, tx.OrderID); err != nil {
			slog.Error("failed to mark order paid", "order_id", tx.OrderID, "error", err)
		}
	}
	return nil
}

func (s *webhookService) handlePaymentFailed(ctx context.Context, payment *models.PaymentPayload) error {
	tx, err := s.lookupTransaction(ctx, payment.ID, payment.OrderID)
	if err != nil || tx == nil {
		return err
	}

	updated, err := ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          models.StatusFailed,
		Reason:      "gateway reported payment failure",
		TriggeredBy: models.TriggerWebhook,
		Failure: &models.FailureDetail{
			Code:     payment.ErrorCode,
			Message:  payment.ErrorDescription,
			Category: mapFailureCategory(payment.ErrorCode, payment.ErrorSource),
		},
	})
	if stderrors.Is(err, pkgerrors.ErrConflictingTransition) {
		// A failure event racing a success from another writer is exactly the
		// conflict the terminal rule exists for. Keep the terminal state.
		return nil
	}
	if err != nil {
		return err
	}

	if s.notifier != nil && updated.Status == models.StatusFailed {
		s.notifier.Notify(tx.UserID, "payment.failed", map[string]any{
			"transaction_id": tx.ID,
			"reason":         payment.ErrorDescription,
		})
	}
	return nil
}

// refundRecord returns the transaction's cumulative refund record, creating
// it on first sight. Amount only grows when a refund settles.
func refundRecord(tx *models.Transaction, refund *models.RefundPayload) *models.Refund {
	record := tx.Refund
	if record == nil {
		record = &models.Refund{
			ID:        "rfnd_" + refund.ID,
			CreatedAt: time.Now().UTC(),
		}
	}
	record.GatewayRefundID = refund.ID
	return record
}

func (s *webhookService) handleRefund(ctx context.Context, refund *models.RefundPayload, status string) error {
	tx, err := s.lookupTransaction(ctx, refund.PaymentID, "")
	if err != nil || tx == nil {
		return err
	}

	record := refundRecord(tx, refund)
	record.Status = status
	return s.txRepo.SetRefund(ctx, tx.ID, record)
}

func (s *webhookService) handleRefundProcessed(ctx context.Context, refund *models.RefundPayload) error {
	tx, err := s.lookupTransaction(ctx, refund.PaymentID, "")
	if err != nil || tx == nil {
		return err
	}

	record := refundRecord(tx, refund)
	if record.Counted(refund.ID) {
		// Redelivery, or the settlement of a refund the admin path already
		// counted. Confirm the record without adding the amount again.
		record.Status = "processed"
		return s.txRepo.SetRefund(ctx, tx.ID, record)
	}
	record.GatewayRefundIDs = append(record.GatewayRefundIDs, refund.ID)
	record.Amount += refund.Amount
	record.Status = "processed"
	if err := s.txRepo.SetRefund(ctx, tx.ID, record); err != nil {
		return err
	}

	target := models.StatusPartiallyRefunded
	fullRefund := record.Amount >= tx.Amount
	if fullRefund {
		target = models.StatusRefunded
	}
	_, err = ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          target,
		Reason:      "gateway processed refund",
		TriggeredBy: models.TriggerWebhook,
		Metadata:    map[string]any{"gateway_refund_id": refund.ID, "refund_amount": refund.Amount},
	})
	if stderrors.Is(err, pkgerrors.ErrConflictingTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	if fullRefund && tx.OrderID != "" {
		if err := s.orderRepo.UpdateStatus(ctx, tx.OrderID, models.OrderCancelled); err != nil {
			slog.Error("failed to cancel order after refund", "order_id", tx.OrderID, "error", err)
		}
	}
	if s.notifier != nil {
		s.notifier.Notify(tx.UserID, "payment.refunded", map[string]any{
			"transaction_id": tx.ID,
			"refund_amount":  refund.Amount,
		})
	}
	return nil
}

func (s *webhookService) handleDisputeCreated(ctx context.Context, dispute *models.DisputePayload) error {
	tx, err := s.lookupTransaction(ctx, dispute.PaymentID, "")
	if err != nil || tx == nil {
		return err
	}

	if err := s.txRepo.SetDispute(ctx, tx.ID, &models.Dispute{
		GatewayDisputeID: dispute.ID,
		Amount:           dispute.Amount,
		Status:           dispute.Status,
		Reason:           dispute.Reason,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		return err
	}

	_, err = ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          models.StatusDisputed,
		Reason:      "gateway reported dispute: " + dispute.Reason,
		TriggeredBy: models.TriggerWebhook,
		Metadata:    map[string]any{"gateway_dispute_id": dispute.ID},
	})
	if stderrors.Is(err, pkgerrors.ErrConflictingTransition) || stderrors.Is(err, pkgerrors.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (s *webhookService) handleSettlementProcessed(ctx context.Context, settlement *models.SettlementPayload) error {
	tx, err := s.lookupTransaction(ctx, settlement.PaymentID, "")
	if err != nil || tx == nil {
		return err
	}
	return s.txRepo.SetSettlement(ctx, tx.ID, &models.Settlement{
		GatewaySettlementID: settlement.ID,
		Amount:              settlement.Amount,
		SettledAt:           time.Now().UTC(),
	})
}
