package models

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventPaymentAuthorized   EventType = "payment.authorized"
	EventPaymentCaptured     EventType = "payment.captured"
	EventPaymentFailed       EventType = "payment.failed"
	EventOrderPaid           EventType = "order.paid"
	EventRefundCreated       EventType = "refund.created"
	EventRefundProcessed     EventType = "refund.processed"
	EventRefundFailed        EventType = "refund.failed"
	EventDisputeCreated      EventType = "dispute.created"
	EventSettlementProcessed EventType = "settlement.processed"
)

// PaymentPayload mirrors the gateway's payment entity.
type PaymentPayload struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	Fee              int64  `json:"fee"`
	Tax              int64  `json:"tax"`
	CardLast4        string `json:"card_last4,omitempty"`
	CardNetwork      string `json:"card_network,omitempty"`
	Bank             string `json:"bank,omitempty"`
	VPA              string `json:"vpa,omitempty"`
	Wallet           string `json:"wallet,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorSource      string `json:"error_source,omitempty"`
}

type RefundPayload struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
}

type DisputePayload struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type SettlementPayload struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type OrderPayload struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
	Currency string `json:"currency"`
}

// Event is a webhook callback with its typed payload. Exactly one payload
// field is populated, matching Type.
type Event struct {
	Type       EventType
	Payment    *PaymentPayload
	Refund     *RefundPayload
	Dispute    *DisputePayload
	Settlement *SettlementPayload
	Order      *OrderPayload
}

type eventEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity *PaymentPayload `json:"entity"`
		} `json:"payment,omitempty"`
		Refund *struct {
			Entity *RefundPayload `json:"entity"`
		} `json:"refund,omitempty"`
		Dispute *struct {
			Entity *DisputePayload `json:"entity"`
		} `json:"dispute,omitempty"`
		Settlement *struct {
			Entity *SettlementPayload `json:"entity"`
		} `json:"settlement,omitempty"`
		Order *struct {
			Entity *OrderPayload `json:"entity"`
		} `json:"order,omitempty"`
	} `json:"payload"`
}

// ParseEvent decodes a raw webhook body into a typed Event. A decode failure
// or a missing payload for the declared type is a shape error; unknown event
// types parse fine and are ignored downstream.
func ParseEvent(raw []byte) (*Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("webhook event type missing")
	}

	ev := &Event{Type: EventType(env.Event)}
	if env.Payload.Payment != nil {
		ev.Payment = env.Payload.Payment.Entity
	}
	if env.Payload.Refund != nil {
		ev.Refund = env.Payload.Refund.Entity
	}
	if env.Payload.Dispute != nil {
		ev.Dispute = env.Payload.Dispute.Entity
	}
	if env.Payload.Settlement != nil {
		ev.Settlement = env.Payload.Settlement.Entity
	}
	if env.Payload.Order != nil {
		ev.Order = env.Payload.Order.Entity
	}

	switch ev.Type {
	case EventPaymentAuthorized, EventPaymentCaptured, EventPaymentFailed:
		if ev.Payment == nil {
			return nil, fmt.Errorf("event %s missing payment payload", ev.Type)
		}
	case EventOrderPaid:
		if ev.Order == nil && ev.Payment == nil {
			return nil, fmt.Errorf("event %s missing order payload", ev.Type)
		}
	case EventRefundCreated, EventRefundProcessed, EventRefundFailed:
		if ev.Refund == nil {
			return nil, fmt.Errorf("event %s missing refund payload", ev.Type)
		}
	case EventDisputeCreated:
		if ev.Dispute == nil {
			return nil, fmt.Errorf("event %s missing dispute payload", ev.Type)
		}
	case EventSettlementProcessed:
		if ev.Settlement == nil {
			return nil, fmt.Errorf("event %s missing settlement payload", ev.Type)
		}
	}
	return ev, nil
}
