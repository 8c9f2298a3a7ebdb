package repository

import (
	"context"

	"github.com/shopsphere/payment-engine/internal/models"
)

type OrderRepository interface {
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Order, error)
	UpdateStatus(ctx context.Context, id string, status models.OrderStatus) error
	MarkPaid(ctx context.Context, id string) error
}
