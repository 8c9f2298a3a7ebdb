package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/shopsphere/payment-engine/internal/infrastructure/observability"
	"github.com/shopsphere/payment-engine/internal/models"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const transactionColumns = `id, user_id, order_id, gateway_order_id, gateway_payment_id,
	amount, currency, fee_total, fee_tax, net_amount, type, method, method_detail,
	status, previous_status, failure, retry_count, last_retry_at,
	refund, dispute, settlement, created_at, updated_at`

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateTransaction", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateTransaction").Observe(time.Since(start).Seconds())
	}()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	if tx.ID == "" || tx.UserID == 0 {
		err = fmt.Errorf("%w: id and user_id are required", pkgerrors.ErrInvalidInput)
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	if tx.Amount <= 0 {
		err = fmt.Errorf("%w: amount must be positive", pkgerrors.ErrInvalidInput)
		slog.Error("amount must be positive", "method", "Create", "amount", tx.Amount, "error", err)
		return err
	}

	span.SetAttributes(
		attribute.String("transaction_id", tx.ID),
		attribute.Int64("user_id", tx.UserID),
		attribute.Int64("amount", tx.Amount),
		attribute.String("status", string(tx.Status)),
	)

	detailJSON, err := json.Marshal(tx.MethodDetail)
	if err != nil {
		return fmt.Errorf("failed to marshal method detail: %w", err)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Create", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `INSERT INTO transactions
		(id, user_id, gateway_order_id, amount, currency, net_amount, type, method_detail, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	err = dbTx.QueryRowContext(ctx, query,
		tx.ID, tx.UserID, nullString(tx.GatewayOrderID), tx.Amount, tx.Currency,
		tx.Amount, tx.Type, detailJSON, tx.Status,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "Create", "error", rbErr)
		}
		slog.Error("failed to create transaction", "method", "Create", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	if err = appendHistory(ctx, dbTx, tx.ID, models.HistoryEntry{
		Status:      tx.Status,
		Reason:      "transaction created",
		TriggeredBy: models.TriggerClientVerify,
	}); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "Create", "error", rbErr)
		}
		return err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Create", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "transaction_id", tx.ID, "user_id", tx.UserID, "amount", tx.Amount)
	return nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	return r.getBy(ctx, "GetTransactionByID", "id", id)
}

func (r *PostgresTransactionRepository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Transaction, error) {
	return r.getBy(ctx, "GetTransactionByGatewayOrderID", "gateway_order_id", gatewayOrderID)
}

func (r *PostgresTransactionRepository) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Transaction, error) {
	return r.getBy(ctx, "GetTransactionByGatewayPaymentID", "gateway_payment_id", gatewayPaymentID)
}

func (r *PostgresTransactionRepository) getBy(ctx context.Context, op, column, value string) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(attribute.String(column, value))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(op, status).Inc()
		observability.RepositoryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s = $1`, transactionColumns, column)
	tx, scanErr := scanTransaction(r.db.QueryRowContext(ctx, query, value))
	if stderrors.Is(scanErr, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if scanErr != nil {
		err = fmt.Errorf("failed to get transaction by %s: %w", column, scanErr)
		slog.Error("failed to get transaction", "method", op, column, value, "error", err)
		return nil, err
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) UpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "UpdateTransactionStatus")
	span.SetAttributes(
		attribute.String("transaction_id", id),
		attribute.String("expected_status", string(expected)),
		attribute.String("new_status", string(change.To)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("UpdateTransactionStatus", status).Inc()
		observability.RepositoryDuration.WithLabelValues("UpdateTransactionStatus").Observe(time.Since(start).Seconds())
	}()

	var failureJSON any
	if change.Failure != nil {
		b, mErr := json.Marshal(change.Failure)
		if mErr != nil {
			err = fmt.Errorf("failed to marshal failure detail: %w", mErr)
			return nil, err
		}
		failureJSON = b
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	// The conditional update is the linearization point: it only succeeds if
	// the stored status still matches what the caller read.
	res, err := dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, previous_status = $2, failure = COALESCE($3, failure), updated_at = now()
		WHERE id = $4 AND status = $5`,
		change.To, expected, failureJSON, id, expected)
	if err != nil {
		slog.Error("failed to update status", "method", "UpdateStatus", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		err = pkgerrors.ErrStatusConflict
		slog.Warn("status update lost the race",
			"method", "UpdateStatus",
			"transaction_id", id,
			"expected_status", expected,
			"new_status", change.To)
		return nil, err
	}

	if err = appendHistory(ctx, dbTx, id, models.HistoryEntry{
		Status:         change.To,
		PreviousStatus: expected,
		Reason:         change.Reason,
		TriggeredBy:    change.TriggeredBy,
		Metadata:       change.Metadata,
	}); err != nil {
		return nil, err
	}

	if err = dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}

	slog.Info("transaction status updated",
		"method", "UpdateStatus",
		"transaction_id", id,
		"from", expected,
		"to", change.To,
		"triggered_by", change.TriggeredBy,
		"reason", change.Reason)
	return r.GetByID(ctx, id)
}

func (r *PostgresTransactionRepository) ConfirmWithOrder(ctx context.Context, id string, expected []models.Status, order *models.Order, capture models.PaymentCapture) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ConfirmTransactionWithOrder")
	span.SetAttributes(attribute.String("transaction_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ConfirmTransactionWithOrder", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ConfirmTransactionWithOrder").Observe(time.Since(start).Seconds())
	}()

	if order == nil {
		err = pkgerrors.ErrNilOrder
		return nil, err
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	var current models.Status
	var orderID, paymentID sql.NullString
	err = dbTx.QueryRowContext(ctx,
		`SELECT status, order_id, gateway_payment_id FROM transactions WHERE id = $1 FOR UPDATE`, id).
		Scan(&current, &orderID, &paymentID)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}

	// Already confirmed with an order: a concurrent writer got here first.
	// Idempotent for the same gateway payment id.
	if current == models.StatusSuccess && orderID.Valid {
		if paymentID.Valid && paymentID.String != capture.GatewayPaymentID {
			err = pkgerrors.ErrGatewayPaymentIDSet
			return nil, err
		}
		if err = dbTx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		slog.Info("transaction already confirmed, returning existing order",
			"method", "ConfirmWithOrder", "transaction_id", id, "order_id", orderID.String)
		return r.GetByID(ctx, id)
	}

	if paymentID.Valid && paymentID.String != capture.GatewayPaymentID {
		err = pkgerrors.ErrGatewayPaymentIDSet
		return nil, err
	}

	matched := false
	for _, s := range expected {
		if s == current {
			matched = true
			break
		}
	}
	if !matched {
		err = pkgerrors.ErrStatusConflict
		slog.Warn("confirm lost the race", "method", "ConfirmWithOrder", "transaction_id", id, "status", current)
		return nil, err
	}

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order items: %w", err)
	}
	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, transaction_id, amount, currency, status, is_paid, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.ID, order.UserID, order.TransactionID, order.Amount, order.Currency,
		order.Status, order.IsPaid, itemsJSON)
	if err != nil {
		slog.Error("failed to create order", "method", "ConfirmWithOrder", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	detailJSON, err := json.Marshal(capture.MethodDetail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal method detail: %w", err)
	}
	_, err = dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, previous_status = $2, order_id = $3, gateway_payment_id = $4,
			method = $5, method_detail = $6, fee_total = $7, fee_tax = $8,
			net_amount = amount - $7, failure = NULL, updated_at = now()
		WHERE id = $9`,
		models.StatusSuccess, current, order.ID, capture.GatewayPaymentID,
		capture.Method, detailJSON, capture.Fees.Total, capture.Fees.Tax, id)
	if err != nil {
		slog.Error("failed to confirm transaction", "method", "ConfirmWithOrder", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to confirm transaction: %w", err)
	}

	if err = appendHistory(ctx, dbTx, id, models.HistoryEntry{
		Status:         models.StatusSuccess,
		PreviousStatus: current,
		Reason:         capture.Reason,
		TriggeredBy:    capture.TriggeredBy,
		Metadata:       map[string]any{"order_id": order.ID, "gateway_payment_id": capture.GatewayPaymentID},
	}); err != nil {
		return nil, err
	}

	if err = dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit confirmation: %w", err)
	}

	slog.Info("transaction confirmed with order",
		"method", "ConfirmWithOrder",
		"transaction_id", id,
		"order_id", order.ID,
		"gateway_payment_id", capture.GatewayPaymentID)
	return r.GetByID(ctx, id)
}

func (r *PostgresTransactionRepository) SetGatewayPaymentID(ctx context.Context, id, gatewayPaymentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET gateway_payment_id = $2, updated_at = now()
		WHERE id = $1 AND (gateway_payment_id IS NULL OR gateway_payment_id = $2)`,
		id, gatewayPaymentID)
	if err != nil {
		return fmt.Errorf("failed to set gateway payment id: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		slog.Error("attempt to overwrite gateway payment id", "transaction_id", id, "gateway_payment_id", gatewayPaymentID)
		return pkgerrors.ErrGatewayPaymentIDSet
	}
	return nil
}

func (r *PostgresTransactionRepository) UpdatePaymentDetail(ctx context.Context, id string, method models.PaymentMethod, detail models.MethodDetail, fees models.Fees) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal method detail: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET method = $2, method_detail = $3, fee_total = $4, fee_tax = $5,
			net_amount = amount - $4, updated_at = now()
		WHERE id = $1`,
		id, method, detailJSON, fees.Total, fees.Tax)
	if err != nil {
		return fmt.Errorf("failed to update payment detail: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return pkgerrors.ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresTransactionRepository) SetRefund(ctx context.Context, id string, refund *models.Refund) error {
	return r.setSubRecord(ctx, id, "refund", refund)
}

func (r *PostgresTransactionRepository) SetDispute(ctx context.Context, id string, dispute *models.Dispute) error {
	return r.setSubRecord(ctx, id, "dispute", dispute)
}

func (r *PostgresTransactionRepository) SetSettlement(ctx context.Context, id string, settlement *models.Settlement) error {
	return r.setSubRecord(ctx, id, "settlement", settlement)
}

func (r *PostgresTransactionRepository) setSubRecord(ctx context.Context, id, column string, record any) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", column, err)
	}
	query := fmt.Sprintf(`UPDATE transactions SET %s = $2, updated_at = now() WHERE id = $1`, column)
	res, err := r.db.ExecContext(ctx, query, id, recordJSON)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return pkgerrors.ErrTransactionNotFound
	}
	slog.Info("transaction sub-record updated", "transaction_id", id, "record", column)
	return nil
}

func (r *PostgresTransactionRepository) MarkRetry(ctx context.Context, id string) (int32, error) {
	var count int32
	err := r.db.QueryRowContext(ctx, `
		UPDATE transactions SET retry_count = retry_count + 1, last_retry_at = now(), updated_at = now()
		WHERE id = $1 RETURNING retry_count`, id).Scan(&count)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark retry: %w", err)
	}
	return count, nil
}

func (r *PostgresTransactionRepository) History(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, previous_status, reason, triggered_by, metadata, created_at
		FROM transaction_status_history WHERE transaction_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}
	defer rows.Close()

	var history []models.HistoryEntry
	for rows.Next() {
		var entry models.HistoryEntry
		var prev sql.NullString
		var metadata []byte
		if err := rows.Scan(&entry.Status, &prev, &entry.Reason, &entry.TriggeredBy, &metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.PreviousStatus = models.Status(prev.String)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				slog.Error("failed to unmarshal history metadata", "transaction_id", id, "error", err)
			}
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (r *PostgresTransactionRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, transactionColumns)
	return r.list(ctx, query, userID, limit, offset)
}

func (r *PostgresTransactionRepository) ListForReconciliation(ctx context.Context, maxAge time.Duration, maxRetries int32, limit int) ([]models.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM transactions
		WHERE status = ANY($1)
		AND created_at > now() - $2::interval
		AND retry_count < $3
		ORDER BY created_at LIMIT $4`, transactionColumns)
	nonTerminal := []string{
		string(models.StatusInitiated), string(models.StatusPending), string(models.StatusProcessing),
		string(models.StatusAuthorized), string(models.StatusCaptured),
	}
	return r.list(ctx, query, pq.Array(nonTerminal), maxAge.String(), maxRetries, limit)
}

func (r *PostgresTransactionRepository) ListRetryable(ctx context.Context, minIdle time.Duration, maxRetries int32, limit int) ([]models.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM transactions
		WHERE status = $1
		AND failure->>'category' = $2
		AND retry_count < $3
		AND updated_at < now() - $4::interval
		ORDER BY updated_at LIMIT $5`, transactionColumns)
	return r.list(ctx, query, models.StatusFailed, models.FailureTechnical, maxRetries, minIdle.String(), limit)
}

func (r *PostgresTransactionRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM transactions
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at LIMIT $3`, transactionColumns)
	stale := []string{string(models.StatusInitiated), string(models.StatusPending)}
	return r.list(ctx, query, pq.Array(stale), cutoff, limit)
}

func (r *PostgresTransactionRepository) AggregateByStatus(ctx context.Context, from, to time.Time) ([]models.StatusAggregate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY status ORDER BY status`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	defer rows.Close()

	var aggs []models.StatusAggregate
	for rows.Next() {
		var agg models.StatusAggregate
		if err := rows.Scan(&agg.Status, &agg.Count, &agg.TotalAmount); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

func (r *PostgresTransactionRepository) list(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var orderID, gatewayOrderID, gatewayPaymentID, method, prevStatus sql.NullString
	var lastRetryAt sql.NullTime
	var detailJSON, failureJSON, refundJSON, disputeJSON, settlementJSON []byte

	err := row.Scan(
		&tx.ID, &tx.UserID, &orderID, &gatewayOrderID, &gatewayPaymentID,
		&tx.Amount, &tx.Currency, &tx.Fees.Total, &tx.Fees.Tax, &tx.NetAmount,
		&tx.Type, &method, &detailJSON,
		&tx.Status, &prevStatus, &failureJSON, &tx.RetryCount, &lastRetryAt,
		&refundJSON, &disputeJSON, &settlementJSON, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.OrderID = orderID.String
	tx.GatewayOrderID = gatewayOrderID.String
	tx.GatewayPaymentID = gatewayPaymentID.String
	tx.Method = models.PaymentMethod(method.String)
	tx.PreviousStatus = models.Status(prevStatus.String)
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		tx.LastRetryAt = &t
	}
	if err := unmarshalInto(detailJSON, &tx.MethodDetail); err != nil {
		return nil, err
	}
	if len(failureJSON) > 0 {
		tx.Failure = &models.FailureDetail{}
		if err := unmarshalInto(failureJSON, tx.Failure); err != nil {
			return nil, err
		}
	}
	if len(refundJSON) > 0 {
		tx.Refund = &models.Refund{}
		if err := unmarshalInto(refundJSON, tx.Refund); err != nil {
			return nil, err
		}
	}
	if len(disputeJSON) > 0 {
		tx.Dispute = &models.Dispute{}
		if err := unmarshalInto(disputeJSON, tx.Dispute); err != nil {
			return nil, err
		}
	}
	if len(settlementJSON) > 0 {
		tx.Settlement = &models.Settlement{}
		if err := unmarshalInto(settlementJSON, tx.Settlement); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

func unmarshalInto(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal transaction field: %w", err)
	}
	return nil
}

func appendHistory(ctx context.Context, dbTx *sql.Tx, transactionID string, entry models.HistoryEntry) error {
	var metadataJSON any
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal history metadata: %w", err)
		}
		metadataJSON = b
	}
	_, err := dbTx.ExecContext(ctx, `
		INSERT INTO transaction_status_history (transaction_id, status, previous_status, reason, triggered_by, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		transactionID, entry.Status, nullString(string(entry.PreviousStatus)), entry.Reason, entry.TriggeredBy, metadataJSON)
	if err != nil {
		slog.Error("failed to append status history", "transaction_id", transactionID, "status", entry.Status, "error", err)
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
