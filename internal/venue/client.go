// Package venue implements the REST/WS adapter against the perpetual-
// futures exchange: the external collaborator named in spec.md §6. It is
// the only package in this module that talks to the exchange.
package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/audit"
	"github.com/vantrail/gridengine/internal/units"
)

// Client is the REST execution client. Authentication follows the
// API-key/HMAC-SHA256 scheme common to centralised perpetual venues: no
// on-chain signing is involved, unlike a DEX CLOB.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	httpClient *http.Client
	dryRun     bool

	conditionalBuy bool
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	Passphrase     string
	DryRun         bool
	ConditionalBuy bool // true if the venue natively supports trigger-limit-buy-above-market
	HTTPTimeout    time.Duration
}

// New builds a Client from Options.
func New(opts Options) *Client {
	timeout := opts.HTTPTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:        opts.BaseURL,
		apiKey:         opts.APIKey,
		apiSecret:      opts.APISecret,
		passphrase:     opts.Passphrase,
		dryRun:         opts.DryRun,
		conditionalBuy: opts.ConditionalBuy,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

// SupportsConditionalBuy reports whether this venue configuration accepts
// a native trigger-limit-buy-above-market order, satisfying orders.Venue.
func (c *Client) SupportsConditionalBuy() bool {
	return c.conditionalBuy
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	ClientID    string `json:"clientOrderId"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	TriggerType string `json:"triggerType,omitempty"`
}

type orderResponse struct {
	OrderID string `json:"orderId"`
}

// PlaceStopSell places a reduce-only stop-loss sell, satisfying
// orders.Venue.
func (c *Client) PlaceStopSell(ctx context.Context, symbol, clientID string, price, size decimal.Decimal) (string, error) {
	body := orderRequest{
		Symbol:     symbol,
		Side:       "SELL",
		Type:       "STOP_LOSS",
		Price:      price.String(),
		Size:       size.String(),
		ClientID:   clientID,
		ReduceOnly: true,
	}
	var resp orderResponse
	if err := c.post(ctx, "/v1/orders", body, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// PlaceLimitBuy places a limit buy. If the venue supports conditional
// orders, Type is set to a trigger-limit so it rests untouched until price
// reaches it, satisfying orders.Venue.
func (c *Client) PlaceLimitBuy(ctx context.Context, symbol, clientID string, price, size decimal.Decimal) (string, error) {
	body := orderRequest{
		Symbol:   symbol,
		Side:     "BUY",
		Type:     "LIMIT",
		Price:    price.String(),
		Size:     size.String(),
		ClientID: clientID,
	}
	if c.conditionalBuy {
		body.Type = "TRIGGER_LIMIT"
		body.TriggerType = "MARK_PRICE_ABOVE"
	}
	var resp orderResponse
	if err := c.post(ctx, "/v1/orders", body, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// Cancel cancels a single order, satisfying orders.Venue.
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	path := fmt.Sprintf("/v1/orders/%s?symbol=%s", orderID, symbol)
	return c.delete(ctx, path, nil)
}

// CancelAll cancels every live order for symbol, satisfying
// cycle.OrderCanceller.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	path := fmt.Sprintf("/v1/orders?symbol=%s", symbol)
	return c.delete(ctx, path, nil)
}

type leverageRequest struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
}

// SetLeverage sets account leverage for symbol, satisfying orders.Venue.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.post(ctx, "/v1/leverage", leverageRequest{Symbol: symbol, Leverage: leverage}, nil)
}

type positionResponse struct {
	Size decimal.Decimal `json:"size"`
	Mark decimal.Decimal `json:"markPrice"`
}

// RealisedPosition reads the current realised position size and mark
// price for symbol, satisfying cycle.PositionReader.
func (c *Client) RealisedPosition(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	var resp positionResponse
	path := fmt.Sprintf("/v1/position?symbol=%s", symbol)
	if err := c.get(ctx, path, &resp); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return resp.Size, resp.Mark, nil
}

type tickerResponse struct {
	Mark decimal.Decimal `json:"markPrice"`
}

// MarkPrice reads the current mark price for symbol, used by the CLI's
// trade command to establish the cycle's entry_price.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp tickerResponse
	path := fmt.Sprintf("/v1/ticker?symbol=%s", symbol)
	if err := c.get(ctx, path, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Mark, nil
}

// OpenMarketPosition submits the taker order that opens the initial
// position a grid cycle trails, per spec.md §6's start() command.
func (c *Client) OpenMarketPosition(ctx context.Context, symbol string, notional decimal.Decimal) error {
	body := orderRequest{
		Symbol: symbol,
		Side:   "BUY",
		Type:   "MARKET",
		Size:   notional.String(),
	}
	return c.post(ctx, "/v1/orders", body, nil)
}

type openOrderEntry struct {
	OrderID string          `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Side    string          `json:"side"`
}

// OpenOrders fetches every live order for symbol, satisfying
// audit.OpenOrdersFetcher.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]audit.LiveOrder, error) {
	var entries []openOrderEntry
	path := fmt.Sprintf("/v1/orders/open?symbol=%s", symbol)
	if err := c.get(ctx, path, &entries); err != nil {
		return nil, err
	}
	out := make([]audit.LiveOrder, 0, len(entries))
	for _, e := range entries {
		side := units.LimitBuy
		if e.Side == "SELL" {
			side = units.StopLossSell
		}
		out = append(out, audit.LiveOrder{OrderID: e.OrderID, Price: e.Price, Side: side})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	c.sign(req)

	if c.dryRun {
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("venue: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("venue: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("venue: HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("venue: decode response: %w", err)
	}
	return nil
}

// sign attaches the venue's API-key headers and an HMAC-SHA256 request
// signature over timestamp+method+path+body, the scheme common to
// centralised perpetual venues.
func (c *Client) sign(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("API-KEY", c.apiKey)
	req.Header.Set("API-TIMESTAMP", timestamp)
	if c.passphrase != "" {
		req.Header.Set("API-PASSPHRASE", c.passphrase)
	}

	if c.apiSecret == "" {
		return
	}

	message := timestamp + req.Method + req.URL.Path
	if req.Body != nil {
		bodyBytes, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		message += string(bodyBytes)
	}
	req.Header.Set("API-SIGNATURE", c.hmacSign(message))
}

func (c *Client) hmacSign(message string) string {
	key, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		key = []byte(c.apiSecret)
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
