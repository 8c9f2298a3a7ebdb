package service

import (
	"github.com/shopsphere/payment-engine/internal/gateway"
	"github.com/shopsphere/payment-engine/internal/models"
)

// Gateway payment status strings.
const (
	gatewayStatusCreated    = "created"
	gatewayStatusAuthorized = "authorized"
	gatewayStatusCaptured   = "captured"
	gatewayStatusFailed     = "failed"
	gatewayStatusRefunded   = "refunded"
)

// MapGatewayPaymentStatus maps the gateway's payment status to the internal
// target status, with a failure detail when the gateway reports a failure.
// An empty status means the gateway status has no internal equivalent.
func MapGatewayPaymentStatus(payment *gateway.Payment) (models.Status, *models.FailureDetail) {
	switch payment.Status {
	case gatewayStatusCreated:
		return models.StatusPending, nil
	case gatewayStatusAuthorized:
		return models.StatusAuthorized, nil
	case gatewayStatusCaptured:
		return models.StatusCaptured, nil
	case gatewayStatusRefunded:
		return models.StatusRefunded, nil
	case gatewayStatusFailed:
		return models.StatusFailed, &models.FailureDetail{
			Code:     payment.ErrorCode,
			Message:  payment.ErrorDescription,
			Category: mapFailureCategory(payment.ErrorCode, ""),
		}
	default:
		return "", nil
	}
}

func mapPaymentMethod(method string) models.PaymentMethod {
	switch method {
	case "card":
		return models.MethodCard
	case "netbanking":
		return models.MethodNetbanking
	case "upi":
		return models.MethodUPI
	case "wallet":
		return models.MethodWallet
	case "emi":
		return models.MethodEMI
	case "cod":
		return models.MethodCOD
	default:
		return ""
	}
}

// mapFailureCategory classifies a gateway error source/code into the retry
// taxonomy: technical failures are retried, business and user errors are not.
func mapFailureCategory(code, source string) models.FailureCategory {
	switch source {
	case "customer":
		return models.FailureUserError
	case "business":
		return models.FailureBusiness
	}
	switch code {
	case "BAD_REQUEST_ERROR":
		return models.FailureUserError
	case "GATEWAY_ERROR", "SERVER_ERROR", "NETWORK_ERROR":
		return models.FailureTechnical
	default:
		return models.FailureBusiness
	}
}

func methodDetailFromGateway(method string, cardLast4, cardNetwork, bank, vpa, wallet string) models.MethodDetail {
	detail := models.MethodDetail{}
	switch method {
	case "card", "emi":
		detail.CardLast4 = cardLast4
		detail.CardNetwork = cardNetwork
	case "netbanking":
		detail.Bank = bank
	case "upi":
		detail.VPA = vpa
	case "wallet":
		detail.Wallet = wallet
	}
	return detail
}
