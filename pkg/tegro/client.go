package tegro

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a Tegro.money merchant API client.
// It holds no mutable state and is safe for concurrent use.
type Client struct {
	config     ClientConfig
	base       baseFields
	httpClient HTTPDoer
}

// baseFields are sent with every request
type baseFields struct {
	shopID string
	nonce  int64
}

// payload returns a fresh request map seeded with the base fields
func (b baseFields) payload() map[string]any {
	return map[string]any{
		"shop_id": b.shopID,
		"nonce":   b.nonce,
	}
}

// NewClient creates a new Tegro API client
func NewClient(config *ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultConfig().Timeout
	}
	return NewClientWithHTTPClient(config, &http.Client{Timeout: timeout})
}

// NewClientWithHTTPClient creates a new Tegro API client with a custom transport
func NewClientWithHTTPClient(config *ClientConfig, httpClient HTTPDoer) *Client {
	cfg := *DefaultConfig()
	cfg.ShopID = config.ShopID
	cfg.APIKey = config.APIKey
	cfg.SecretKey = config.SecretKey
	cfg.Now = config.Now
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if config.PayURL != "" {
		cfg.PayURL = config.PayURL
	}
	if config.Timeout != 0 {
		cfg.Timeout = config.Timeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		config: cfg,
		base: baseFields{
			shopID: cfg.ShopID,
			nonce:  now().Unix(),
		},
		httpClient: httpClient,
	}
}

// ShopID returns the shop identifier sent with every request
func (c *Client) ShopID() string {
	return c.base.shopID
}

// Nonce returns the nonce captured when the client was created.
// It is sent unchanged with every request made by this client.
func (c *Client) Nonce() int64 {
	return c.base.nonce
}

// Sign computes the lowercase hex HMAC-SHA256 of body keyed by the API key
func (c *Client) Sign(body []byte) string {
	h := hmac.New(sha256.New, []byte(c.config.APIKey))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// post sends a signed body to BaseURL+path
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tegro: create request %s: %w", path, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.Sign(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tegro: request %s: %w", path, err)
	}
	return resp, nil
}

// doRequest marshals payload, posts it and parses the JSON answer
func (c *Client) doRequest(ctx context.Context, path string, payload map[string]any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tegro: marshal request: %w", err)
	}

	resp, err := c.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tegro: read response %s: %w", path, err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && !json.Valid(raw) {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var result Response
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tegro: parse response %s: %w", path, err)
	}
	result.StatusCode = resp.StatusCode
	result.Raw = raw

	return &result, nil
}

// CreateOrder creates a payment order
func (c *Client) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	data := c.base.payload()
	data["currency"] = req.Currency
	data["amount"] = req.Amount
	data["order_id"] = req.OrderID
	data["test"] = flag(req.Test)
	data["payment_system"] = req.PaymentSystem
	if len(req.Fields) > 0 {
		data["fields"] = req.Fields
	}
	if req.Receipt != nil && len(req.Receipt.Items) > 0 {
		data["receipt"] = req.Receipt
	}

	return c.doRequest(ctx, PathCreateOrder, data)
}

// GetShops lists the shops of the account
func (c *Client) GetShops(ctx context.Context) (*Response, error) {
	return c.doRequest(ctx, PathShops, c.base.payload())
}

// GetBalance returns the balance of all wallets
func (c *Client) GetBalance(ctx context.Context) (*Response, error) {
	return c.doRequest(ctx, PathBalance, c.base.payload())
}

// GetOrder looks up a single order
func (c *Client) GetOrder(ctx context.Context, lookup Lookup) (*Response, error) {
	data, err := c.lookupPayload(lookup)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, PathOrder, data)
}

// ListOrders returns a page of orders
func (c *Client) ListOrders(ctx context.Context, page int) (*Response, error) {
	data := c.base.payload()
	data["page"] = page
	return c.doRequest(ctx, PathOrders, data)
}

// CreateWithdrawal requests a payout
func (c *Client) CreateWithdrawal(ctx context.Context, req *CreateWithdrawalRequest) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	data := c.base.payload()
	data["currency"] = req.Currency
	data["account"] = req.Account
	data["amount"] = req.Amount
	data["payment_id"] = req.PaymentID
	data["payment_system"] = req.PaymentSystem

	return c.doRequest(ctx, PathCreateWithdrawal, data)
}

// ListWithdrawals returns a page of withdrawals
func (c *Client) ListWithdrawals(ctx context.Context, page int) (*Response, error) {
	data := c.base.payload()
	data["page"] = page
	return c.doRequest(ctx, PathWithdrawals, data)
}

// GetWithdrawal looks up a single withdrawal
func (c *Client) GetWithdrawal(ctx context.Context, lookup Lookup) (*Response, error) {
	data, err := c.lookupPayload(lookup)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, PathWithdrawal, data)
}

// lookupPayload adds exactly one identifier to a fresh payload
func (c *Client) lookupPayload(lookup Lookup) (map[string]any, error) {
	if lookup.OrderID == 0 && lookup.PaymentID == "" {
		return nil, ErrMissingIdentifier
	}

	data := c.base.payload()
	if lookup.OrderID != 0 {
		data["order_id"] = lookup.OrderID
	} else {
		data["payment_id"] = lookup.PaymentID
	}
	return data, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
