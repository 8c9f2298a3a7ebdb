package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/shopsphere/payment-engine/internal/models"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
)

const orderColumns = `id, user_id, transaction_id, amount, currency, status, is_paid, items, created_at, updated_at`

type PostgresOrderRepository struct {
	db *sql.DB
}

func NewPostgresOrderRepository(db *sql.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

func (r *PostgresOrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, orderColumns)
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresOrderRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE transaction_id = $1`, orderColumns)
	return r.scanOne(r.db.QueryRowContext(ctx, query, transactionID))
}

func (r *PostgresOrderRepository) UpdateStatus(ctx context.Context, id string, status models.OrderStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		slog.Error("failed to update order status", "method", "UpdateStatus", "order_id", id, "error", err)
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return pkgerrors.ErrOrderNotFound
	}
	slog.Info("order status updated", "method", "UpdateStatus", "order_id", id, "status", status)
	return nil
}

func (r *PostgresOrderRepository) MarkPaid(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET is_paid = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return pkgerrors.ErrOrderNotFound
	}
	return nil
}

func (r *PostgresOrderRepository) scanOne(row *sql.Row) (*models.Order, error) {
	var order models.Order
	var itemsJSON []byte
	err := row.Scan(
		&order.ID, &order.UserID, &order.TransactionID, &order.Amount, &order.Currency,
		&order.Status, &order.IsPaid, &itemsJSON, &order.CreatedAt, &order.UpdatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
			slog.Error("failed to unmarshal order items", "order_id", order.ID, "error", err)
		}
	}
	return &order, nil
}
