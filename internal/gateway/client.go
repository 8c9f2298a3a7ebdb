package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopsphere/payment-engine/internal/infrastructure/observability"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNotFound means the gateway does not know the requested entity. During
// reconciliation this is treated as a definitive failure, not a transient one.
var ErrNotFound = stderrors.New("gateway entity not found")

const (
	defaultBaseURL  = "https://api.gateway.example.com/v1"
	requestTimeout  = 30 * time.Second
	maxAttempts     = 3
	baseRetryDelay  = 1 * time.Second
	maxRetryDelay   = 10 * time.Second
	retryMultiplier = 2
)

// Order is the gateway's order entity.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Payment is the gateway's payment entity, returned raw for the caller to map.
type Payment struct {
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
}

type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// APIError is a non-retryable gateway rejection (4xx validation failures).
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s (%s)", e.StatusCode, e.Description, e.Code)
}

// Client issues create-order, fetch-payment and create-refund calls to the
// external payment gateway. It holds no local state and is safe for
// concurrent use.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

func NewClient(baseURL, keyID, keySecret string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// KeyID is exposed so the create-order response can hand the public key to
// the checkout client.
func (c *Client) KeyID() string {
	return c.keyID
}

// VerifyPaymentSignature checks a checkout signature against this client's
// key secret.
func (c *Client) VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature, c.keySecret)
}

func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error) {
	body := map[string]any{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var order Order
	if err := c.do(ctx, http.MethodPost, "/orders", body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) FetchPayment(ctx context.Context, gatewayPaymentID string) (*Payment, error) {
	var payment Payment
	if err := c.do(ctx, http.MethodGet, "/payments/"+gatewayPaymentID, nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) CreateRefund(ctx context.Context, gatewayPaymentID string, amount int64, notes map[string]string) (*Refund, error) {
	body := map[string]any{
		"amount": amount,
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/payments/"+gatewayPaymentID+"/refund", body, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// do performs one logical gateway call with bounded exponential backoff.
// Only rate limits (429), 5xx and transport errors are retried; validation
// failures surface immediately.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	tracer := otel.Tracer("gateway-client")
	ctx, span := tracer.Start(ctx, "GatewayCall")
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("gateway.path", path),
	)
	defer span.End()

	var err error
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.GatewayCalls.WithLabelValues(path, status).Inc()
		observability.GatewayDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway request: %w", err)
		}
	}

	delay := baseRetryDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var retryable bool
		retryable, err = c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !retryable || attempt == maxAttempts {
			break
		}

		slog.Warn("gateway call failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err)

		select {
		case <-ctx.Done():
			err = fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, ctx.Err())
			return err
		case <-time.After(delay):
		}
		delay *= retryMultiplier
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) (retryable bool, err error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return false, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport errors and timeouts are retryable.
		return true, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("%w: failed to read gateway response: %v", pkgerrors.ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return false, fmt.Errorf("failed to decode gateway response: %w", err)
			}
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("%w: gateway returned %d", pkgerrors.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return false, fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var wrapper struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapper) == nil {
			apiErr.Code = wrapper.Error.Code
			apiErr.Description = wrapper.Error.Description
		}
		return false, apiErr
	}
}
