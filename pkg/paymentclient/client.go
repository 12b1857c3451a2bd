/**
 * @description
 * This package provides a client for the Stripe REST API. It covers the calls
 * the engine makes to the gateway: payment intents for checkout, refunds for
 * escrow and dispute outcomes, and connected-account transfers for payouts.
 * Requests are form encoded and authenticated with the secret key.
 *
 * @dependencies
 * - net/http, net/url, encoding/json: Standard Go libraries.
 * - go.uber.org/zap: For structured logging of non-2xx responses.
 */
package paymentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.stripe.com"

// Client is a client for the Stripe API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a new Stripe API client.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: logger.With(zap.String("component", "payment_client")),
	}
}

// PaymentIntentRequest describes a checkout charge. Checkout leaves DestinationAccount
// nil so funds land on the platform account, where escrow holds them and payouts
// transfer them later. Setting it makes a destination charge that keeps
// ApplicationFeeCents on the platform.
type PaymentIntentRequest struct {
	AmountCents         int64
	Currency            string
	DestinationAccount  *string
	ApplicationFeeCents int64
	SetupFutureUsage    bool
	Metadata            map[string]string
	IdempotencyKey      string
}

type PaymentIntent struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	ClientSecret string            `json:"client_secret"`
	Metadata     map[string]string `json:"metadata"`
}

type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
}

type Refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	PaymentIntent string `json:"payment_intent"`
}

// TransferRequest moves platform funds to a connected account.
type TransferRequest struct {
	AmountCents    int64
	Currency       string
	Destination    string
	TransferGroup  string
	Metadata       map[string]string
	IdempotencyKey string
}

type Transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// ErrorResponse represents an error from the Stripe API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Detail     struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Detail.Message != "" {
		return fmt.Sprintf("stripe api error (%d): %s - %s", e.StatusCode, e.Detail.Type, e.Detail.Message)
	}
	return fmt.Sprintf("unknown stripe api error (%d)", e.StatusCode)
}

// Retryable reports whether the same request may succeed later.
func (e *ErrorResponse) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.Detail.Type == "api_error"
}

// CreatePaymentIntent creates the intent the buyer confirms on the client.
func (c *Client) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.DestinationAccount != nil && *req.DestinationAccount != "" {
		form.Set("transfer_data[destination]", *req.DestinationAccount)
		form.Set("application_fee_amount", strconv.FormatInt(req.ApplicationFeeCents, 10))
	}
	if req.SetupFutureUsage {
		form.Set("setup_future_usage", "off_session")
	}
	setMetadata(form, req.Metadata)

	var intent PaymentIntent
	if err := c.post(ctx, "create_payment_intent", "/v1/payment_intents", form, req.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CancelPaymentIntent cancels an intent that has not been captured.
func (c *Client) CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(paymentIntentID) + "/cancel"
	if err := c.post(ctx, "cancel_payment_intent", path, url.Values{}, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateRefund refunds all or part of a captured payment intent.
func (c *Client) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", req.PaymentIntentID)
	if req.AmountCents > 0 {
		form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	}
	if req.Reason != "" {
		form.Set("reason", req.Reason)
	}

	var refund Refund
	if err := c.post(ctx, "create_refund", "/v1/refunds", form, req.IdempotencyKey, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// CreateTransfer pays a connected account from the platform balance.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.Destination)
	if req.TransferGroup != "" {
		form.Set("transfer_group", req.TransferGroup)
	}
	setMetadata(form, req.Metadata)

	var transfer Transfer
	if err := c.post(ctx, "create_transfer", "/v1/transfers", form, req.IdempotencyKey, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

func setMetadata(form url.Values, metadata map[string]string) {
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}
}

// post is the generic helper executing a form-encoded request and decoding the result.
func (c *Client) post(ctx context.Context, op, path string, form url.Values, idempotencyKey string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			c.Logger.Warn("non-2xx response with unparsable error body", zap.String("op", op), zap.Int("status", resp.StatusCode))
			return &errResp
		}
		c.Logger.Warn("non-2xx response",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("type", errResp.Detail.Type),
			zap.String("code", errResp.Detail.Code),
			zap.String("detail", errResp.Detail.Message),
		)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
