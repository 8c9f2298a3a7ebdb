package service_test

import (
	"context"
	"testing"

	"github.com/shopsphere/payment-engine/internal/models"
	service "github.com/shopsphere/payment-engine/internal/services"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("SimpleTransition", func(t *testing.T) {
		txs := newFakeTransactionRepo(newFakeOrderRepo())
		tx := &models.Transaction{ID: "txn_1", UserID: 7, Amount: 500, Status: models.StatusPending}
		txs.seed(tx)

		updated, err := service.ApplyTransition(ctx, txs, tx, models.StatusChange{
			To:          models.StatusCaptured,
			Reason:      "gateway reported captured",
			TriggeredBy: models.TriggerWebhook,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCaptured, updated.Status)
		assert.Equal(t, models.StatusPending, updated.PreviousStatus)
	})

	t.Run("NoopReturnsCurrent", func(t *testing.T) {
		txs := newFakeTransactionRepo(newFakeOrderRepo())
		tx := &models.Transaction{ID: "txn_1", UserID: 7, Amount: 500, Status: models.StatusCaptured}
		txs.seed(tx)

		updated, err := service.ApplyTransition(ctx, txs, tx, models.StatusChange{To: models.StatusCaptured})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCaptured, updated.Status)
		assert.Empty(t, updated.History, "no history entry written for a no-op")
	})

	t.Run("LostRaceIsRetriedAgainstFreshState", func(t *testing.T) {
		txs := newFakeTransactionRepo(newFakeOrderRepo())
		// The store already moved on to pending; the caller still holds the
		// initiated snapshot.
		txs.seed(&models.Transaction{ID: "txn_1", UserID: 7, Amount: 500, Status: models.StatusPending})
		stale := &models.Transaction{ID: "txn_1", UserID: 7, Amount: 500, Status: models.StatusInitiated}

		updated, err := service.ApplyTransition(ctx, txs, stale, models.StatusChange{
			To:          models.StatusCaptured,
			TriggeredBy: models.TriggerWebhook,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCaptured, updated.Status)
		assert.Equal(t, models.StatusPending, updated.PreviousStatus, "re-applied against the fresh status")
	})

	t.Run("RaceResolvedToTerminalConflicts", func(t *testing.T) {
		txs := newFakeTransactionRepo(newFakeOrderRepo())
		txs.seed(&models.Transaction{ID: "txn_1", UserID: 7, Amount: 500, Status: models.StatusSuccess})
		stale := &models.Transaction{ID: "txn_1", UserID: 7, Amount: 500, Status: models.StatusProcessing}

		_, err := service.ApplyTransition(ctx, txs, stale, models.StatusChange{
			To:          models.StatusFailed,
			TriggeredBy: models.TriggerWebhook,
		})
		assert.ErrorIs(t, err, pkgerrors.ErrConflictingTransition)
		assert.Equal(t, models.StatusSuccess, txs.get("txn_1").Status)
	})

	t.Run("TerminalConflictRejectedImmediately", func(t *testing.T) {
		txs := newFakeTransactionRepo(newFakeOrderRepo())
		tx := &models.Transaction{ID: "txn_1", UserID: 7, Amount: 500, Status: models.StatusSuccess}
		txs.seed(tx)

		_, err := service.ApplyTransition(ctx, txs, tx, models.StatusChange{To: models.StatusExpired})
		assert.ErrorIs(t, err, pkgerrors.ErrConflictingTransition)
	})
}
