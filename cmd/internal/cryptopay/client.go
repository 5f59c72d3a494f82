// Package cryptopay is the payment gateway client for the Crypto Pay API.
//
// Every call is retried on transient failures (transport errors, 5xx, 429) with
// exponential backoff; an {"ok": false} reply is terminal and returned as *APIError.
package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"luckypool/cmd/internal/metrics"

	"github.com/shopspring/decimal"
)

const (
	// DefaultBaseURL is the production Crypto Pay endpoint.
	DefaultBaseURL = "https://pay.crypt.bot/api/"

	tokenHeader     = "Crypto-Pay-API-Token"
	maxResponseBody = 1 << 20
)

// InvoiceStatus is the gateway-side state of an invoice.
type InvoiceStatus string

const (
	StatusActive  InvoiceStatus = "active"
	StatusPaid    InvoiceStatus = "paid"
	StatusExpired InvoiceStatus = "expired"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// Asset is the settlement asset accepted for invoices and used for transfers (e.g. USDT).
	Asset string
	// Fiat is the currency invoices are denominated in (e.g. USD).
	Fiat    string
	Timeout time.Duration
	Backoff Backoff
}

// Invoice is a created gateway invoice.
type Invoice struct {
	ID  string
	URL string
}

// TransferRequest describes a payout.
type TransferRequest struct {
	// Destination is the recipient's gateway account id.
	Destination string
	Amount      decimal.Decimal
	// SpendID is the idempotency token; resubmitting the same value never pays twice.
	SpendID string
	Comment string
}

// TransferResult is a confirmed payout.
type TransferResult struct {
	TransferID string
	// Duplicate is true when the gateway had already accepted this SpendID.
	Duplicate bool
}

// Client calls the Crypto Pay HTTP API.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests use httptest servers).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: missing api token", ErrInvalidInput)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if cfg.Fiat == "" {
		cfg.Fiat = "USD"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.Backoff = cfg.Backoff.normalized()

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Asset returns the configured settlement asset.
func (c *Client) Asset() string { return c.cfg.Asset }

// CreateInvoice issues a fiat-denominated invoice payable in the settlement asset.
func (c *Client) CreateInvoice(ctx context.Context, amount decimal.Decimal, description string) (Invoice, error) {
	if !amount.IsPositive() {
		return Invoice{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	req := map[string]any{
		"currency_type":   "fiat",
		"fiat":            c.cfg.Fiat,
		"accepted_assets": c.cfg.Asset,
		"amount":          amount.String(),
		"description":     description,
	}
	var res struct {
		InvoiceID     int64  `json:"invoice_id"`
		BotInvoiceURL string `json:"bot_invoice_url"`
	}
	if err := c.call(ctx, "createInvoice", req, &res); err != nil {
		return Invoice{}, err
	}
	if res.InvoiceID == 0 || res.BotInvoiceURL == "" {
		return Invoice{}, &APIError{Method: "createInvoice", Name: "EMPTY_RESULT"}
	}
	return Invoice{ID: strconv.FormatInt(res.InvoiceID, 10), URL: res.BotInvoiceURL}, nil
}

// InvoiceStatus queries the current status of one invoice. Read-only and idempotent.
func (c *Client) InvoiceStatus(ctx context.Context, invoiceID string) (InvoiceStatus, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return "", fmt.Errorf("%w: missing invoice id", ErrInvalidInput)
	}

	var res struct {
		Items []struct {
			InvoiceID int64  `json:"invoice_id"`
			Status    string `json:"status"`
		} `json:"items"`
	}
	if err := c.call(ctx, "getInvoices", map[string]any{"invoice_ids": invoiceID}, &res); err != nil {
		return "", err
	}
	for _, it := range res.Items {
		if strconv.FormatInt(it.InvoiceID, 10) == invoiceID {
			return InvoiceStatus(it.Status), nil
		}
	}
	return "", &APIError{Method: "getInvoices", Name: "INVOICE_NOT_FOUND"}
}

// DeleteInvoice voids an unpaid invoice.
func (c *Client) DeleteInvoice(ctx context.Context, invoiceID string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(invoiceID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invoice id %q", ErrInvalidInput, invoiceID)
	}
	var ok bool
	return c.call(ctx, "deleteInvoice", map[string]any{"invoice_id": id}, &ok)
}

// Transfer pays Amount of the settlement asset to Destination.
// A retried or repeated request with the same SpendID is collapsed by the gateway.
func (c *Client) Transfer(ctx context.Context, in TransferRequest) (TransferResult, error) {
	userID, err := strconv.ParseInt(strings.TrimSpace(in.Destination), 10, 64)
	if err != nil || userID <= 0 {
		return TransferResult{}, fmt.Errorf("%w: %q", ErrInvalidDestination, in.Destination)
	}
	if !in.Amount.IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(in.SpendID) == "" {
		return TransferResult{}, fmt.Errorf("%w: missing spend id", ErrInvalidInput)
	}

	req := map[string]any{
		"user_id":  userID,
		"asset":    c.cfg.Asset,
		"amount":   in.Amount.String(),
		"spend_id": in.SpendID,
		"comment":  in.Comment,
	}
	var res struct {
		TransferID int64 `json:"transfer_id"`
	}
	err = c.call(ctx, "transfer", req, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case isDuplicateSpend(apiErr.Name):
			return TransferResult{Duplicate: true}, ErrAlreadyPaid
		case isUnknownRecipient(apiErr.Name):
			return TransferResult{}, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
		}
	}
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{TransferID: strconv.FormatInt(res.TransferID, 10)}, nil
}

func isDuplicateSpend(name string) bool {
	name = strings.ToUpper(name)
	return strings.Contains(name, "SPEND_ID") && !strings.Contains(name, "INVALID")
}

// The recipient has no wallet with the app or never started @CryptoBot.
func isUnknownRecipient(name string) bool {
	name = strings.ToUpper(name)
	return strings.Contains(name, "USER_NOT_FOUND") || strings.Contains(name, "USER_ID_INVALID")
}

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	err := retry(ctx, c.cfg.Backoff, func(attempt int, err error) {
		c.metrics.GatewayRetry(method)
		c.log.Warn("cryptopay.retry", "method", method, "attempt", attempt, "err", err)
	}, func() error {
		return c.do(ctx, method, body, out)
	})

	switch {
	case err == nil:
		c.metrics.GatewayRequest(method, "ok")
	case IsTransient(err):
		c.metrics.GatewayRequest(method, "transient")
	default:
		c.metrics.GatewayRequest(method, "rejected")
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Method: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransportError{Method: method, Status: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Method: method, Code: resp.StatusCode, Name: http.StatusText(resp.StatusCode)}
		}
		return &TransportError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Name = env.Error.Name
		}
		return apiErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("cryptopay.%s: decode result: %w", method, err)
	}
	return nil
}
