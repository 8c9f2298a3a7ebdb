package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/shopsphere/payment-engine/internal/gateway"
	"github.com/shopsphere/payment-engine/internal/models"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
)

// fakeTransactionRepo is an in-memory stand-in for the Postgres repository
// with the same conditional-update semantics.
type fakeTransactionRepo struct {
	mu     sync.Mutex
	txs    map[string]*models.Transaction
	orders *fakeOrderRepo

	confirmErr      error
	confirmConflict func(tx *models.Transaction)

	lastListLimit  int
	lastListOffset int
	aggregates     []models.StatusAggregate
}

func newFakeTransactionRepo(orders *fakeOrderRepo) *fakeTransactionRepo {
	return &fakeTransactionRepo{txs: make(map[string]*models.Transaction), orders: orders}
}

func (f *fakeTransactionRepo) seed(tx *models.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.ID] = tx
}

func (f *fakeTransactionRepo) get(id string) *models.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[id]
}

func (f *fakeTransactionRepo) Create(ctx context.Context, tx *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.History = append(tx.History, models.HistoryEntry{
		Status:      tx.Status,
		Reason:      "transaction created",
		TriggeredBy: models.TriggerClientVerify,
		CreatedAt:   now,
	})
	f.txs[tx.ID] = tx
	return nil
}

func (f *fakeTransactionRepo) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeTransactionRepo) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.GatewayOrderID == gatewayOrderID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (f *fakeTransactionRepo) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.GatewayPaymentID == gatewayPaymentID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (f *fakeTransactionRepo) UpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if tx.Status != expected {
		return nil, pkgerrors.ErrStatusConflict
	}
	tx.PreviousStatus = expected
	tx.Status = change.To
	if change.Failure != nil {
		tx.Failure = change.Failure
	}
	tx.UpdatedAt = time.Now().UTC()
	tx.History = append(tx.History, models.HistoryEntry{
		Status:         change.To,
		PreviousStatus: expected,
		Reason:         change.Reason,
		TriggeredBy:    change.TriggeredBy,
		Metadata:       change.Metadata,
		CreatedAt:      tx.UpdatedAt,
	})
	cp := *tx
	return &cp, nil
}

func (f *fakeTransactionRepo) ConfirmWithOrder(ctx context.Context, id string, expected []models.Status, order *models.Order, capture models.PaymentCapture) (*models.Transaction, error) {
	f.mu.Lock()
	tx, ok := f.txs[id]
	if !ok {
		f.mu.Unlock()
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if f.confirmConflict != nil {
		fn := f.confirmConflict
		f.confirmConflict = nil
		fn(tx)
		f.mu.Unlock()
		return nil, pkgerrors.ErrStatusConflict
	}
	if f.confirmErr != nil {
		f.mu.Unlock()
		return nil, f.confirmErr
	}

	if tx.Status == models.StatusSuccess && tx.OrderID != "" {
		if tx.GatewayPaymentID != "" && tx.GatewayPaymentID != capture.GatewayPaymentID {
			f.mu.Unlock()
			return nil, pkgerrors.ErrGatewayPaymentIDSet
		}
		cp := *tx
		f.mu.Unlock()
		return &cp, nil
	}
	if tx.GatewayPaymentID != "" && tx.GatewayPaymentID != capture.GatewayPaymentID {
		f.mu.Unlock()
		return nil, pkgerrors.ErrGatewayPaymentIDSet
	}

	matched := false
	for _, s := range expected {
		if s == tx.Status {
			matched = true
			break
		}
	}
	if !matched {
		f.mu.Unlock()
		return nil, pkgerrors.ErrStatusConflict
	}

	previous := tx.Status
	tx.Status = models.StatusSuccess
	tx.PreviousStatus = previous
	tx.OrderID = order.ID
	tx.GatewayPaymentID = capture.GatewayPaymentID
	tx.Method = capture.Method
	tx.MethodDetail = capture.MethodDetail
	tx.Fees = capture.Fees
	tx.NetAmount = tx.Amount - capture.Fees.Total
	tx.Failure = nil
	tx.UpdatedAt = time.Now().UTC()
	tx.History = append(tx.History, models.HistoryEntry{
		Status:         models.StatusSuccess,
		PreviousStatus: previous,
		Reason:         capture.Reason,
		TriggeredBy:    capture.TriggeredBy,
		CreatedAt:      tx.UpdatedAt,
	})
	cp := *tx
	f.mu.Unlock()

	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	f.orders.seed(order)
	return &cp, nil
}

func (f *fakeTransactionRepo) SetGatewayPaymentID(ctx context.Context, id, gatewayPaymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if tx.GatewayPaymentID != "" && tx.GatewayPaymentID != gatewayPaymentID {
		return pkgerrors.ErrGatewayPaymentIDSet
	}
	tx.GatewayPaymentID = gatewayPaymentID
	return nil
}

func (f *fakeTransactionRepo) UpdatePaymentDetail(ctx context.Context, id string, method models.PaymentMethod, detail models.MethodDetail, fees models.Fees) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	tx.Method = method
	tx.MethodDetail = detail
	tx.Fees = fees
	tx.NetAmount = tx.Amount - fees.Total
	return nil
}

func (f *fakeTransactionRepo) SetRefund(ctx context.Context, id string, refund *models.Refund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	tx.Refund = refund
	return nil
}

func (f *fakeTransactionRepo) SetDispute(ctx context.Context, id string, dispute *models.Dispute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	tx.Dispute = dispute
	return nil
}

func (f *fakeTransactionRepo) SetSettlement(ctx context.Context, id string, settlement *models.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	tx.Settlement = settlement
	return nil
}

func (f *fakeTransactionRepo) MarkRetry(ctx context.Context, id string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return 0, pkgerrors.ErrTransactionNotFound
	}
	tx.RetryCount++
	now := time.Now().UTC()
	tx.LastRetryAt = &now
	return tx.RetryCount, nil
}

func (f *fakeTransactionRepo) History(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return append([]models.HistoryEntry(nil), tx.History...), nil
}

func (f *fakeTransactionRepo) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastListLimit = limit
	f.lastListOffset = offset
	var out []models.Transaction
	for _, tx := range f.txs {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (f *fakeTransactionRepo) ListForReconciliation(ctx context.Context, maxAge time.Duration, maxRetries int32, limit int) ([]models.Transaction, error) {
	return nil, nil
}

func (f *fakeTransactionRepo) ListRetryable(ctx context.Context, minIdle time.Duration, maxRetries int32, limit int) ([]models.Transaction, error) {
	return nil, nil
}

func (f *fakeTransactionRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	return nil, nil
}

func (f *fakeTransactionRepo) AggregateByStatus(ctx context.Context, from, to time.Time) ([]models.StatusAggregate, error) {
	return f.aggregates, nil
}

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]*models.Order)}
}

func (f *fakeOrderRepo) seed(order *models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[order.ID] = order
}

func (f *fakeOrderRepo) get(id string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *fakeOrderRepo) GetByID(ctx context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, pkgerrors.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (f *fakeOrderRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.TransactionID == transactionID {
			cp := *order
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrOrderNotFound
}

func (f *fakeOrderRepo) UpdateStatus(ctx context.Context, id string, status models.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return pkgerrors.ErrOrderNotFound
	}
	order.Status = status
	return nil
}

func (f *fakeOrderRepo) MarkPaid(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return pkgerrors.ErrOrderNotFound
	}
	order.IsPaid = true
	return nil
}

// fakeGateway stands in for the outbound gateway client.
type fakeGateway struct {
	createOrderFn  func(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error)
	fetchPaymentFn func(ctx context.Context, gatewayPaymentID string) (*gateway.Payment, error)
	createRefundFn func(ctx context.Context, gatewayPaymentID string, amount int64, notes map[string]string) (*gateway.Refund, error)
	verifyResult   bool

	fetchCalls  int
	refundCalls int
}

func (f *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error) {
	if f.createOrderFn != nil {
		return f.createOrderFn(ctx, amount, currency, receipt, notes)
	}
	return &gateway.Order{ID: "ord_xyz789", Amount: amount, Currency: currency, Receipt: receipt, Status: "created"}, nil
}

func (f *fakeGateway) FetchPayment(ctx context.Context, gatewayPaymentID string) (*gateway.Payment, error) {
	f.fetchCalls++
	if f.fetchPaymentFn != nil {
		return f.fetchPaymentFn(ctx, gatewayPaymentID)
	}
	return &gateway.Payment{ID: gatewayPaymentID, Status: "captured"}, nil
}

func (f *fakeGateway) CreateRefund(ctx context.Context, gatewayPaymentID string, amount int64, notes map[string]string) (*gateway.Refund, error) {
	f.refundCalls++
	if f.createRefundFn != nil {
		return f.createRefundFn(ctx, gatewayPaymentID, amount, notes)
	}
	return &gateway.Refund{ID: "rfnd_gw1", PaymentID: gatewayPaymentID, Amount: amount, Status: "processed"}, nil
}

func (f *fakeGateway) VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return f.verifyResult
}

func (f *fakeGateway) KeyID() string {
	return "key_test"
}

type notification struct {
	userID  int64
	event   string
	payload map[string]any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (f *fakeNotifier) Notify(userID int64, event string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, notification{userID: userID, event: event, payload: payload})
}

func (f *fakeNotifier) sent() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.events...)
}
