package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/kmunene/shambapay/internal/circuitbreaker"
	"github.com/kmunene/shambapay/internal/config"
	"github.com/kmunene/shambapay/internal/metrics"
	"github.com/kmunene/shambapay/internal/money"
)

const (
	maxResponseSize = 1 * 1024 * 1024 // 1MB

	breakerKeyProvider = "provider"
	breakerKeyStripe   = "stripe"
)

// Client talks to the mobile money collections provider over HTTP and
// to Stripe for card charges. A shared circuit breaker keeps a flapping
// provider from stalling every checkout.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stripe  *stripe.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient builds a gateway client from config. Card charges are
// disabled when no Stripe key is configured; mobile rails are disabled
// when no provider base URL is configured.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	c := &Client{
		baseURL: cfg.ProviderBaseURL,
		apiKey:  cfg.ProviderAPIKey,
		http:    &http.Client{Timeout: cfg.ProviderTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
	if cfg.StripeSecretKey != "" {
		c.stripe = stripe.NewClient(cfg.StripeSecretKey)
	}
	return c
}

type stkPushRequest struct {
	PhoneNumber string `json:"phone_number"`
	Amount      string `json:"amount"`
	APIRef      string `json:"api_ref"`
	Narrative   string `json:"narrative"`
	Currency    string `json:"currency"`
}

type payoutRequest struct {
	Account     string `json:"account"`
	AccountName string `json:"account_name,omitempty"`
	Amount      string `json:"amount"`
	Narrative   string `json:"narrative"`
	Currency    string `json:"currency"`
}

type payoutResponse struct {
	TrackingID string `json:"tracking_id"`
	Status     string `json:"status"`
}

// STKPush pops a payment prompt on the buyer's phone.
func (c *Client) STKPush(ctx context.Context, phone, amount, apiRef, narrative string) (*Charge, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	var out Charge
	err := c.post(ctx, "stk_push", "/api/v1/payment/mpesa-stk-push/", stkPushRequest{
		PhoneNumber: phone,
		Amount:      amount,
		APIRef:      apiRef,
		Narrative:   narrative,
		Currency:    "KES",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Payout sends money to a mobile money account.
func (c *Client) Payout(ctx context.Context, account, accountName, amount, narrative string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}
	var out payoutResponse
	err := c.post(ctx, "payout", "/api/v1/send-money/initiate/", payoutRequest{
		Account:     account,
		AccountName: accountName,
		Amount:      amount,
		Narrative:   narrative,
		Currency:    "KES",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TrackingID, nil
}

// CheckStatus fetches the provider's view of a collection.
func (c *Client) CheckStatus(ctx context.Context, invoiceID string) (*Charge, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	var out Charge
	err := c.post(ctx, "check_status", "/api/v1/payment/status/", map[string]string{
		"invoice_id": invoiceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ChargeCard charges a tokenized card through Stripe. Amounts convert
// to minor units for the Stripe API and the charge is confirmed in one
// round trip, so the result is terminal.
func (c *Client) ChargeCard(ctx context.Context, token, amount, apiRef string) (*Charge, error) {
	if c.stripe == nil {
		return nil, ErrNotConfigured
	}
	if !c.breaker.Allow(breakerKeyStripe) {
		metrics.GatewayRequestsTotal.WithLabelValues("charge_card", "circuit_open").Inc()
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	cents, ok := money.Cents(amount)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrRejected, amount)
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(string(stripe.CurrencyKES)),
		PaymentMethod: stripe.String(token),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String("ShambaPay order " + apiRef),
	}
	params.AddMetadata("api_ref", apiRef)

	pi, err := c.stripe.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.HTTPStatusCode < 500 {
			// Declines and bad requests are the caller's problem, not
			// the rail's.
			metrics.GatewayRequestsTotal.WithLabelValues("charge_card", "rejected").Inc()
			c.breaker.RecordSuccess(breakerKeyStripe)
			return nil, fmt.Errorf("%w: %s", ErrRejected, stripeErr.Msg)
		}
		metrics.GatewayRequestsTotal.WithLabelValues("charge_card", "error").Inc()
		c.breaker.RecordFailure(breakerKeyStripe)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.breaker.RecordSuccess(breakerKeyStripe)

	charge := &Charge{
		InvoiceID: pi.ID,
		APIRef:    apiRef,
		Amount:    amount,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		charge.State = StateComplete
		metrics.GatewayRequestsTotal.WithLabelValues("charge_card", "success").Inc()
	case stripe.PaymentIntentStatusProcessing:
		charge.State = StateProcessing
		metrics.GatewayRequestsTotal.WithLabelValues("charge_card", "success").Inc()
	default:
		charge.State = StateFailed
		charge.FailureReason = string(pi.Status)
		metrics.GatewayRequestsTotal.WithLabelValues("charge_card", "rejected").Inc()
		return charge, fmt.Errorf("%w: payment intent %s", ErrRejected, pi.Status)
	}
	return charge, nil
}

// post sends an authenticated JSON request to the provider and decodes
// the response into out. Transport errors, 5xx and an open circuit map
// to ErrUnavailable; 4xx maps to ErrRejected.
func (c *Client) post(ctx context.Context, operation, path string, body, out any) error {
	if !c.breaker.Allow(breakerKeyProvider) {
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "circuit_open").Inc()
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKeyProvider)
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.breaker.RecordFailure(breakerKeyProvider)
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	c.logger.Debug("provider request",
		"operation", operation,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure(breakerKeyProvider)
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: provider returned HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		// The provider is healthy, it just didn't like the request.
		c.breaker.RecordSuccess(breakerKeyProvider)
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "rejected").Inc()
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, truncate(raw, 200))
	}

	c.breaker.RecordSuccess(breakerKeyProvider)
	metrics.GatewayRequestsTotal.WithLabelValues(operation, "success").Inc()

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Gateway = (*Client)(nil)
