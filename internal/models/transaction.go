package models

import "time"

type TransactionType string

const (
	TypePayment       TransactionType = "payment"
	TypeRefund        TransactionType = "refund"
	TypePartialRefund TransactionType = "partial_refund"
	TypeChargeback    TransactionType = "chargeback"
	TypeFee           TransactionType = "fee"
)

type PaymentMethod string

const (
	MethodCard       PaymentMethod = "card"
	MethodNetbanking PaymentMethod = "netbanking"
	MethodUPI        PaymentMethod = "upi"
	MethodWallet     PaymentMethod = "wallet"
	MethodEMI        PaymentMethod = "emi"
	MethodCOD        PaymentMethod = "cod"
)

type Status string

const (
	StatusInitiated         Status = "initiated"
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusAuthorized        Status = "authorized"
	StatusCaptured          Status = "captured"
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
	StatusDisputed          Status = "disputed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

type FailureCategory string

const (
	FailureTechnical FailureCategory = "technical"
	FailureBusiness  FailureCategory = "business"
	FailureUserError FailureCategory = "user_error"
)

// Fees are gateway charges in minor currency units.
type Fees struct {
	Total int64 `json:"total"`
	Tax   int64 `json:"tax"`
}

type FailureDetail struct {
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Category FailureCategory `json:"category"`
}

// MethodDetail carries the payment-method sub-object reported by the gateway.
type MethodDetail struct {
	CardLast4   string `json:"card_last4,omitempty"`
	CardNetwork string `json:"card_network,omitempty"`
	Bank        string `json:"bank,omitempty"`
	VPA         string `json:"vpa,omitempty"`
	Wallet      string `json:"wallet,omitempty"`
}

// Refund is the cumulative refund record of a transaction. Amount is the sum
// of all processed gateway refunds; GatewayRefundIDs remembers which gateway
// refund entities have already been counted, so redelivered webhook events
// do not double-count.
type Refund struct {
	ID               string    `json:"id"`
	GatewayRefundID  string    `json:"gateway_refund_id"`
	GatewayRefundIDs []string  `json:"gateway_refund_ids,omitempty"`
	Amount           int64     `json:"amount"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}

// Counted reports whether the gateway refund id has already been folded into
// the cumulative amount.
func (r *Refund) Counted(gatewayRefundID string) bool {
	for _, id := range r.GatewayRefundIDs {
		if id == gatewayRefundID {
			return true
		}
	}
	return false
}

type Dispute struct {
	GatewayDisputeID string    `json:"gateway_dispute_id"`
	Amount           int64     `json:"amount"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}

type Settlement struct {
	GatewaySettlementID string    `json:"gateway_settlement_id"`
	Amount              int64     `json:"amount"`
	SettledAt           time.Time `json:"settled_at"`
}

// HistoryEntry is one row of the append-only status audit trail.
type HistoryEntry struct {
	Status         Status         `json:"status"`
	PreviousStatus Status         `json:"previous_status"`
	Reason         string         `json:"reason"`
	TriggeredBy    string         `json:"triggered_by"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Triggers recorded in status history.
const (
	TriggerClientVerify   = "client-verify"
	TriggerWebhook        = "webhook"
	TriggerReconciliation = "reconciliation"
	TriggerExpiry         = "expiry"
	TriggerManual         = "manual"
)

// Transaction is the aggregate root for one payment attempt. Amounts are in
// minor currency units. GatewayPaymentID is immutable once set, and the
// status history is append-only.
type Transaction struct {
	ID               string          `json:"id"`
	UserID           int64           `json:"user_id"`
	OrderID          string          `json:"order_id,omitempty"`
	GatewayOrderID   string          `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Fees             Fees            `json:"fees"`
	NetAmount        int64           `json:"net_amount"`
	Type             TransactionType `json:"type"`
	Method           PaymentMethod   `json:"method,omitempty"`
	MethodDetail     MethodDetail    `json:"method_detail"`
	Status           Status          `json:"status"`
	PreviousStatus   Status          `json:"previous_status,omitempty"`
	Failure          *FailureDetail  `json:"failure,omitempty"`
	RetryCount       int32           `json:"retry_count"`
	LastRetryAt      *time.Time      `json:"last_retry_at,omitempty"`
	Refund           *Refund         `json:"refund,omitempty"`
	Dispute          *Dispute        `json:"dispute,omitempty"`
	Settlement       *Settlement     `json:"settlement,omitempty"`
	History          []HistoryEntry  `json:"history,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// StatusChange describes one requested transition with its audit fields.
type StatusChange struct {
	To          Status
	Reason      string
	TriggeredBy string
	Metadata    map[string]any
	Failure     *FailureDetail
}

// PaymentCapture carries everything the success transition writes alongside
// the order link: the gateway payment id, method detail and fees.
type PaymentCapture struct {
	GatewayPaymentID string
	Method           PaymentMethod
	MethodDetail     MethodDetail
	Fees             Fees
	Reason           string
	TriggeredBy      string
}

// StatusAggregate is one row of the daily analytics rollup.
type StatusAggregate struct {
	Status      Status `json:"status"`
	Count       int64  `json:"count"`
	TotalAmount int64  `json:"total_amount"`
}

// IsRetryable reports whether a failed transaction may be re-queued for
// reconciliation: only technical failures below the retry ceiling.
func (t *Transaction) IsRetryable(maxRetries int32) bool {
	if t.Status != StatusFailed || t.Failure == nil {
		return false
	}
	return t.Failure.Category == FailureTechnical && t.RetryCount < maxRetries
}
