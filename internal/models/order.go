package models

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCancelled OrderStatus = "cancelled"
)

type OrderItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	Price     int64  `json:"price"`
}

// Order is the local order record. It is created exactly once per
// transaction, at the moment the transaction first reaches success.
type Order struct {
	ID            string      `json:"id"`
	UserID        int64       `json:"user_id"`
	TransactionID string      `json:"transaction_id"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	Status        OrderStatus `json:"status"`
	IsPaid        bool        `json:"is_paid"`
	Items         []OrderItem `json:"items"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
