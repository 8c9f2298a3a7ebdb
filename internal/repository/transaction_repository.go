package repository

import (
	"context"
	"time"

	"github.com/shopsphere/payment-engine/internal/models"
)

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Transaction, error)
	GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Transaction, error)

	// UpdateStatus applies one state-machine transition as a conditional
	// update: it succeeds only if the stored status still equals expected,
	// and appends the history entry in the same database transaction.
	// A lost race returns ErrStatusConflict; the caller re-reads and
	// re-applies the transition rules.
	UpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (*models.Transaction, error)

	// ConfirmWithOrder creates the local order and transitions the
	// transaction to success as one atomic unit. If the transaction already
	// reached success with a linked order it returns the current record
	// unchanged (idempotent re-verify).
	ConfirmWithOrder(ctx context.Context, id string, expected []models.Status, order *models.Order, capture models.PaymentCapture) (*models.Transaction, error)

	// SetGatewayPaymentID sets the gateway payment id once; it is immutable
	// afterwards (setting the identical value again is a no-op).
	SetGatewayPaymentID(ctx context.Context, id, gatewayPaymentID string) error

	// UpdatePaymentDetail records method/fee detail and recomputes net amount.
	UpdatePaymentDetail(ctx context.Context, id string, method models.PaymentMethod, detail models.MethodDetail, fees models.Fees) error

	SetRefund(ctx context.Context, id string, refund *models.Refund) error
	SetDispute(ctx context.Context, id string, dispute *models.Dispute) error
	SetSettlement(ctx context.Context, id string, settlement *models.Settlement) error

	// MarkRetry bumps the retry counter and stamps the attempt time,
	// returning the new count.
	MarkRetry(ctx context.Context, id string) (int32, error)

	History(ctx context.Context, id string) ([]models.HistoryEntry, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Transaction, error)

	// ListForReconciliation returns non-terminal transactions created within
	// maxAge and below the retry ceiling.
	ListForReconciliation(ctx context.Context, maxAge time.Duration, maxRetries int32, limit int) ([]models.Transaction, error)

	// ListRetryable returns failed transactions with a technical failure
	// category, below the retry ceiling, not touched since minIdle.
	ListRetryable(ctx context.Context, minIdle time.Duration, maxRetries int32, limit int) ([]models.Transaction, error)

	// ListStale returns initiated/pending transactions older than cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)

	AggregateByStatus(ctx context.Context, from, to time.Time) ([]models.StatusAggregate, error)
}
