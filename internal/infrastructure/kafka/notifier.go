package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// NotificationTopic carries user-facing payment events for the external
// notification fan-out to consume.
const NotificationTopic = "payment-events"

// Notifier is the fire-and-forget notify(userId, event) collaborator.
type Notifier interface {
	Notify(userID int64, event string, payload map[string]any)
}

type KafkaNotifier struct {
	producer KafkaProducer
}

func NewKafkaNotifier(producer KafkaProducer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

// Notify publishes asynchronously with a bounded in-goroutine retry. Delivery
// failures are logged and dropped; payment state never depends on them.
func (n *KafkaNotifier) Notify(userID int64, event string, payload map[string]any) {
	msg := map[string]any{
		"user_id":    userID,
		"event":      event,
		"payload":    payload,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal notification event", "user_id", userID, "event", event, "error", err)
		return
	}

	go func() {
		retries := 3
		for i := 0; i < retries; i++ {
			if err := n.producer.Send(context.Background(), NotificationTopic, fmt.Sprintf("%d", userID), msgBytes); err == nil {
				slog.Info("notification event sent", "user_id", userID, "event", event)
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send notification event after retries", "user_id", userID, "event", event)
	}()
}
