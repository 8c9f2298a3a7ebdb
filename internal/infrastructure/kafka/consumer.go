package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// ReconcileTopic carries transaction ids re-queued by the retry sweep for a
// fresh reconciliation pass.
const ReconcileTopic = "payment-reconcile"

// Reconciler re-checks one transaction against the gateway's state.
type Reconciler interface {
	ReconcileTransaction(ctx context.Context, transactionID string) error
}

// ReconcileConsumer drains the reconcile topic and hands each transaction id
// to the reconciler. A failed record is logged and skipped; the gateway's
// state is re-fetched on the next sweep anyway.
type ReconcileConsumer struct {
	reader     *kafka.Reader
	reconciler Reconciler
}

func NewReconcileConsumer(brokers []string, groupID string, reconciler Reconciler) *ReconcileConsumer {
	return &ReconcileConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    ReconcileTopic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		reconciler: reconciler,
	}
}

func (c *ReconcileConsumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to read Kafka message", "topic", ReconcileTopic, "error", err)
			continue
		}

		var event struct {
			TransactionID string `json:"transaction_id"`
			RetryCount    int32  `json:"retry_count"`
		}
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			slog.Error("failed to unmarshal reconcile event", "error", err)
			continue
		}
		if event.TransactionID == "" {
			slog.Error("reconcile event missing transaction_id")
			continue
		}

		slog.Info("reconcile request received", "transaction_id", event.TransactionID, "retry_count", event.RetryCount)
		if err := c.reconciler.ReconcileTransaction(ctx, event.TransactionID); err != nil {
			slog.Error("failed to reconcile transaction", "transaction_id", event.TransactionID, "error", err)
			continue
		}
	}
}

func (c *ReconcileConsumer) Close() error {
	return c.reader.Close()
}
