package errors

import (
	"errors"
)

var (
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrNilTransaction        = errors.New("transaction is nil")
	ErrNilOrder              = errors.New("order is nil")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrConflictingTransition = errors.New("conflicting terminal status transition")
	ErrStatusConflict        = errors.New("stored status does not match expected status")
	ErrVerificationFailed    = errors.New("payment verification failed")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrGatewayDisabled       = errors.New("payment gateway is not configured")
	ErrGatewayPaymentIDSet   = errors.New("gateway payment id already set")
	ErrRefundExceedsAmount   = errors.New("refund amount exceeds transaction amount")
	ErrRefundNotAllowed      = errors.New("transaction is not refundable")
	ErrForbidden             = errors.New("access denied")
	ErrInternal              = errors.New("internal error")
)
