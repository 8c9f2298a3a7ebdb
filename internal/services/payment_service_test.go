package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopsphere/payment-engine/internal/gateway"
	"github.com/shopsphere/payment-engine/internal/models"
	service "github.com/shopsphere/payment-engine/internal/services"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaymentFixture() (*fakeTransactionRepo, *fakeOrderRepo, *fakeGateway, *fakeNotifier, service.PaymentService) {
	orders := newFakeOrderRepo()
	txs := newFakeTransactionRepo(orders)
	gw := &fakeGateway{verifyResult: true}
	notifier := &fakeNotifier{}
	svc := service.NewPaymentService(txs, orders, gw, nil, notifier)
	return txs, orders, gw, notifier, svc
}

func seedInitiated(txs *fakeTransactionRepo, amount int64) *models.Transaction {
	tx := &models.Transaction{
		ID:             "txn_1",
		UserID:         7,
		GatewayOrderID: "ord_xyz789",
		Amount:         amount,
		Currency:       "INR",
		Type:           models.TypePayment,
		Status:         models.StatusInitiated,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	txs.seed(tx)
	return tx
}

func capturedPayment(amount int64) *gateway.Payment {
	return &gateway.Payment{
		ID:        "pay_abc123",
		OrderID:   "ord_xyz789",
		Amount:    amount,
		Currency:  "INR",
		Status:    "captured",
		Method:    "card",
		Fee:       1180,
		Tax:       180,
		CardLast4: "4242",
	}
}

func TestCreatePaymentOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidAmount", func(t *testing.T) {
		_, _, _, _, svc := newPaymentFixture()
		_, err := svc.CreatePaymentOrder(ctx, 7, 0, "INR", []models.OrderItem{{ProductID: "sku_1"}})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("EmptyItems", func(t *testing.T) {
		_, _, _, _, svc := newPaymentFixture()
		_, err := svc.CreatePaymentOrder(ctx, 7, 50000, "INR", nil)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("GatewayDisabled", func(t *testing.T) {
		orders := newFakeOrderRepo()
		txs := newFakeTransactionRepo(orders)
		svc := service.NewPaymentService(txs, orders, nil, nil, nil)
		_, err := svc.CreatePaymentOrder(ctx, 7, 50000, "INR", []models.OrderItem{{ProductID: "sku_1"}})
		assert.ErrorIs(t, err, pkgerrors.ErrGatewayDisabled)
	})

	t.Run("Success", func(t *testing.T) {
		txs, _, _, _, svc := newPaymentFixture()
		result, err := svc.CreatePaymentOrder(ctx, 7, 50000, "", []models.OrderItem{{ProductID: "sku_1", Quantity: 2, Price: 25000}})
		require.NoError(t, err)
		assert.Equal(t, "ord_xyz789", result.GatewayOrderID)
		assert.Equal(t, int64(50000), result.Amount)
		assert.Equal(t, "INR", result.Currency, "currency defaults to INR")
		assert.Equal(t, "key_test", result.KeyID)

		tx := txs.get(result.TransactionID)
		require.NotNil(t, tx)
		assert.Equal(t, models.StatusInitiated, tx.Status)
		assert.Equal(t, "ord_xyz789", tx.GatewayOrderID)
		assert.Equal(t, models.TypePayment, tx.Type)
	})

	t.Run("GatewayValidationError", func(t *testing.T) {
		txs, _, gw, _, svc := newPaymentFixture()
		gw.createOrderFn = func(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error) {
			return nil, &gateway.APIError{StatusCode: 400, Code: "BAD_REQUEST_ERROR", Description: "amount too low"}
		}
		_, err := svc.CreatePaymentOrder(ctx, 7, 50000, "INR", []models.OrderItem{{ProductID: "sku_1"}})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
		assert.Contains(t, err.Error(), "amount too low")
		assert.Empty(t, txs.txs, "no transaction persisted when the gateway rejects the order")
	})
}

func TestVerifyPayment(t *testing.T) {
	ctx := context.Background()
	req := service.VerifyRequest{
		TransactionID:    "txn_1",
		GatewayOrderID:   "ord_xyz789",
		GatewayPaymentID: "pay_abc123",
		Signature:        "sig",
		Items:            []models.OrderItem{{ProductID: "sku_1", Quantity: 2, Price: 25000}},
	}

	t.Run("Success", func(t *testing.T) {
		txs, orders, gw, notifier, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		gw.fetchPaymentFn = func(ctx context.Context, id string) (*gateway.Payment, error) {
			return capturedPayment(50000), nil
		}

		result, err := svc.VerifyPayment(ctx, 7, req)
		require.NoError(t, err)
		require.NotNil(t, result.Order)
		assert.Equal(t, models.OrderConfirmed, result.Order.Status)
		assert.True(t, result.Order.IsPaid)
		assert.Equal(t, "txn_1", result.Order.TransactionID)
		assert.Equal(t, int64(50000), result.Order.Amount)

		assert.Equal(t, models.StatusSuccess, result.Transaction.Status)
		assert.Equal(t, "pay_abc123", result.Transaction.GatewayPaymentID)
		assert.Equal(t, models.MethodCard, result.Transaction.Method)
		assert.Equal(t, "4242", result.Transaction.MethodDetail.CardLast4)
		assert.Equal(t, int64(50000-1180), result.Transaction.NetAmount)

		stored := orders.get(result.Order.ID)
		require.NotNil(t, stored)

		sent := notifier.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "payment.success", sent[0].event)
		assert.Equal(t, int64(7), sent[0].userID)
	})

	t.Run("TransactionNotFound", func(t *testing.T) {
		_, _, _, _, svc := newPaymentFixture()
		_, err := svc.VerifyPayment(ctx, 7, req)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
	})

	t.Run("WrongUser", func(t *testing.T) {
		txs, _, _, _, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		_, err := svc.VerifyPayment(ctx, 99, req)
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
	})

	t.Run("TamperedSignature", func(t *testing.T) {
		txs, orders, gw, notifier, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		gw.verifyResult = false

		_, err := svc.VerifyPayment(ctx, 7, req)
		assert.ErrorIs(t, err, pkgerrors.ErrVerificationFailed)

		tx := txs.get("txn_1")
		assert.Equal(t, models.StatusFailed, tx.Status)
		require.NotNil(t, tx.Failure)
		assert.Equal(t, "SIGNATURE_MISMATCH", tx.Failure.Code)
		assert.Equal(t, models.FailureUserError, tx.Failure.Category)
		assert.Empty(t, tx.OrderID, "no order created for a tampered signature")
		assert.Empty(t, orders.orders)
		assert.Equal(t, 0, gw.fetchCalls, "gateway not consulted after signature mismatch")

		sent := notifier.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "payment.failed", sent[0].event)
	})

	t.Run("AmountMismatch", func(t *testing.T) {
		txs, _, gw, _, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		gw.fetchPaymentFn = func(ctx context.Context, id string) (*gateway.Payment, error) {
			return capturedPayment(49000), nil
		}

		_, err := svc.VerifyPayment(ctx, 7, req)
		assert.ErrorIs(t, err, pkgerrors.ErrVerificationFailed)

		tx := txs.get("txn_1")
		assert.Equal(t, models.StatusFailed, tx.Status)
		assert.Equal(t, "AMOUNT_MISMATCH", tx.Failure.Code)
		assert.Equal(t, models.FailureBusiness, tx.Failure.Category)
	})

	t.Run("PaymentUnknownUpstream", func(t *testing.T) {
		txs, _, gw, _, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		gw.fetchPaymentFn = func(ctx context.Context, id string) (*gateway.Payment, error) {
			return nil, fmt.Errorf("%w: /payments/%s", gateway.ErrNotFound, id)
		}

		_, err := svc.VerifyPayment(ctx, 7, req)
		assert.ErrorIs(t, err, pkgerrors.ErrVerificationFailed)
		assert.Equal(t, "PAYMENT_NOT_FOUND", txs.get("txn_1").Failure.Code)
	})

	t.Run("IdempotentReVerify", func(t *testing.T) {
		txs, orders, gw, _, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		gw.fetchPaymentFn = func(ctx context.Context, id string) (*gateway.Payment, error) {
			return capturedPayment(50000), nil
		}

		first, err := svc.VerifyPayment(ctx, 7, req)
		require.NoError(t, err)

		second, err := svc.VerifyPayment(ctx, 7, req)
		require.NoError(t, err)
		assert.Equal(t, first.Order.ID, second.Order.ID)
		assert.Equal(t, 1, gw.fetchCalls, "re-verify short-circuits before the gateway")
		assert.Len(t, orders.orders, 1, "only one order ever exists per transaction")
	})

	t.Run("ConcurrentWebhookWonTheRace", func(t *testing.T) {
		txs, orders, gw, _, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		gw.fetchPaymentFn = func(ctx context.Context, id string) (*gateway.Payment, error) {
			return capturedPayment(50000), nil
		}
		// Simulate another writer confirming between our read and the
		// conditional confirm.
		txs.confirmConflict = func(tx *models.Transaction) {
			tx.Status = models.StatusSuccess
			tx.OrderID = "order_webhook"
			tx.GatewayPaymentID = "pay_abc123"
			orders.seed(&models.Order{
				ID: "order_webhook", UserID: 7, TransactionID: tx.ID,
				Amount: 50000, Currency: "INR", Status: models.OrderConfirmed, IsPaid: true,
			})
		}

		result, err := svc.VerifyPayment(ctx, 7, req)
		require.NoError(t, err)
		assert.Equal(t, "order_webhook", result.Order.ID)
		assert.Equal(t, models.StatusSuccess, result.Transaction.Status)
	})

	t.Run("DifferentPaymentIDRejectedWithoutParking", func(t *testing.T) {
		txs, orders, gw, _, svc := newPaymentFixture()
		tx := seedInitiated(txs, 50000)
		tx.Status = models.StatusPending
		tx.GatewayPaymentID = "pay_real"
		gw.fetchPaymentFn = func(ctx context.Context, id string) (*gateway.Payment, error) {
			payment := capturedPayment(50000)
			payment.ID = id
			return payment, nil
		}

		conflicting := req
		conflicting.GatewayPaymentID = "pay_other"
		_, err := svc.VerifyPayment(ctx, 7, conflicting)
		assert.ErrorIs(t, err, pkgerrors.ErrVerificationFailed)

		got := txs.get("txn_1")
		assert.Equal(t, models.StatusPending, got.Status, "a conflicting payment id is not parked for reconciliation")
		assert.Equal(t, "pay_real", got.GatewayPaymentID)
		assert.Empty(t, orders.orders)
	})

	t.Run("OrderCreationFailureParksTransaction", func(t *testing.T) {
		txs, _, gw, _, svc := newPaymentFixture()
		seedInitiated(txs, 50000)
		gw.fetchPaymentFn = func(ctx context.Context, id string) (*gateway.Payment, error) {
			return capturedPayment(50000), nil
		}
		txs.confirmErr = fmt.Errorf("database error")

		_, err := svc.VerifyPayment(ctx, 7, req)
		assert.ErrorIs(t, err, pkgerrors.ErrInternal)

		// The gateway confirmed the charge, so the attempt is parked for the
		// reconciliation sweep rather than failed.
		tx := txs.get("txn_1")
		assert.Equal(t, models.StatusProcessing, tx.Status)
	})
}

func TestRefundPayment(t *testing.T) {
	ctx := context.Background()

	seedSuccess := func(txs *fakeTransactionRepo, orders *fakeOrderRepo) *models.Transaction {
		tx := &models.Transaction{
			ID:               "txn_1",
			UserID:           7,
			OrderID:          "order_1",
			GatewayOrderID:   "ord_xyz789",
			GatewayPaymentID: "pay_abc123",
			Amount:           50000,
			Currency:         "INR",
			Type:             models.TypePayment,
			Status:           models.StatusSuccess,
		}
		txs.seed(tx)
		orders.seed(&models.Order{
			ID: "order_1", UserID: 7, TransactionID: "txn_1",
			Amount: 50000, Currency: "INR", Status: models.OrderConfirmed, IsPaid: true,
		})
		return tx
	}

	t.Run("PartialRefund", func(t *testing.T) {
		txs, orders, _, notifier, svc := newPaymentFixture()
		seedSuccess(txs, orders)

		result, err := svc.RefundPayment(ctx, "txn_1", 20000, "damaged item")
		require.NoError(t, err)
		assert.Equal(t, int64(20000), result.Refund.Amount)
		assert.Equal(t, models.StatusPartiallyRefunded, result.Transaction.Status)
		assert.Equal(t, models.OrderConfirmed, orders.get("order_1").Status, "partial refund keeps the order")

		sent := notifier.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "payment.partially_refunded", sent[0].event)
	})

	t.Run("FullRefundCancelsOrder", func(t *testing.T) {
		txs, orders, _, notifier, svc := newPaymentFixture()
		seedSuccess(txs, orders)

		result, err := svc.RefundPayment(ctx, "txn_1", 50000, "order cancelled")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRefunded, result.Transaction.Status)
		assert.Equal(t, models.OrderCancelled, orders.get("order_1").Status)

		sent := notifier.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "payment.refunded", sent[0].event)
	})

	t.Run("SecondPartialCompletesRefund", func(t *testing.T) {
		txs, orders, _, _, svc := newPaymentFixture()
		tx := seedSuccess(txs, orders)
		tx.Status = models.StatusPartiallyRefunded
		tx.Refund = &models.Refund{ID: "rfnd_1", Amount: 20000, Status: "processed"}

		result, err := svc.RefundPayment(ctx, "txn_1", 30000, "remainder")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRefunded, result.Transaction.Status)
		assert.Equal(t, int64(50000), result.Refund.Amount, "refund record tracks the cumulative amount")
		assert.Equal(t, models.OrderCancelled, orders.get("order_1").Status)
	})

	t.Run("ExceedsOriginalAmount", func(t *testing.T) {
		txs, orders, gw, _, svc := newPaymentFixture()
		tx := seedSuccess(txs, orders)
		tx.Refund = &models.Refund{ID: "rfnd_1", Amount: 40000}

		_, err := svc.RefundPayment(ctx, "txn_1", 20000, "too much")
		assert.ErrorIs(t, err, pkgerrors.ErrRefundExceedsAmount)
		assert.Equal(t, 0, gw.refundCalls, "gateway never called for an over-refund")
	})

	t.Run("NotAllowedForFailedTransaction", func(t *testing.T) {
		txs, orders, _, _, svc := newPaymentFixture()
		tx := seedSuccess(txs, orders)
		tx.Status = models.StatusFailed

		_, err := svc.RefundPayment(ctx, "txn_1", 20000, "nope")
		assert.ErrorIs(t, err, pkgerrors.ErrRefundNotAllowed)
	})

	t.Run("LookupByGatewayPaymentID", func(t *testing.T) {
		txs, orders, _, _, svc := newPaymentFixture()
		seedSuccess(txs, orders)

		result, err := svc.RefundPayment(ctx, "pay_abc123", 10000, "goodwill")
		require.NoError(t, err)
		assert.Equal(t, "txn_1", result.Transaction.ID)
	})
}

func TestGetPayment(t *testing.T) {
	ctx := context.Background()

	txs, _, _, _, svc := newPaymentFixture()
	seedInitiated(txs, 50000)

	t.Run("Owner", func(t *testing.T) {
		tx, err := svc.GetPayment(ctx, 7, false, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, "txn_1", tx.ID)
	})

	t.Run("OtherUserForbidden", func(t *testing.T) {
		_, err := svc.GetPayment(ctx, 99, false, "txn_1")
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
	})

	t.Run("AdminBypassesOwnership", func(t *testing.T) {
		tx, err := svc.GetPayment(ctx, 99, true, "txn_1")
		require.NoError(t, err)
		assert.Equal(t, "txn_1", tx.ID)
	})
}

func TestGetTransactionHistoryLimits(t *testing.T) {
	ctx := context.Background()
	txs, _, _, _, svc := newPaymentFixture()

	_, err := svc.GetTransactionHistory(ctx, 7, 0, -5)
	require.NoError(t, err)
	assert.Equal(t, 20, txs.lastListLimit, "zero limit falls back to the default page size")
	assert.Equal(t, 0, txs.lastListOffset)

	_, err = svc.GetTransactionHistory(ctx, 7, 500, 40)
	require.NoError(t, err)
	assert.Equal(t, 100, txs.lastListLimit, "limit is capped")
	assert.Equal(t, 40, txs.lastListOffset)
}

func TestGetAnalytics(t *testing.T) {
	ctx := context.Background()
	txs, _, _, _, svc := newPaymentFixture()
	txs.aggregates = []models.StatusAggregate{
		{Status: models.StatusSuccess, Count: 12, TotalAmount: 600000},
	}

	aggs, err := svc.GetAnalytics(ctx, time.Date(2026, 8, 22, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, int64(12), aggs[0].Count)
}
