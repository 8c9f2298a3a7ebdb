package service

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/shopsphere/payment-engine/internal/models"
	"github.com/shopsphere/payment-engine/internal/repository"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
)

const maxTransitionAttempts = 3

// ApplyTransition runs one state-machine transition against the store with
// optimistic concurrency: validate against the status we read, attempt the
// conditional update, and on a lost race re-read and re-validate. Callers on
// every write path (verify, webhook, reconciliation) go through here so that
// racing writers cannot produce a lost update.
func ApplyTransition(ctx context.Context, repo repository.TransactionRepository, tx *models.Transaction, change models.StatusChange) (*models.Transaction, error) {
	current := tx
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		noop, err := models.CanTransition(current.Status, change.To)
		if err != nil {
			if stderrors.Is(err, pkgerrors.ErrConflictingTransition) {
				slog.Error("conflicting terminal transition rejected",
					"transaction_id", current.ID,
					"current_status", current.Status,
					"requested_status", change.To,
					"triggered_by", change.TriggeredBy,
					"reason", change.Reason)
			}
			return current, err
		}
		if noop {
			return current, nil
		}

		updated, err := repo.UpdateStatus(ctx, current.ID, current.Status, change)
		if stderrors.Is(err, pkgerrors.ErrStatusConflict) {
			current, err = repo.GetByID(ctx, current.ID)
			if err != nil {
				return nil, err
			}
			continue
		}
		return updated, err
	}
	return nil, pkgerrors.ErrStatusConflict
}
