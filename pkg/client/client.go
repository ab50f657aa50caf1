// Package client is the team-facing SDK for the exchange.
//
// The REST client (Client) covers order management and market data:
//   - SubmitOrder: POST   /orders      — place one order, blocks for the outcome
//   - CancelOrder: DELETE /orders/{id} — pull a resting order
//   - Positions:   GET    /positions   — the team's signed positions
//   - Book:        GET    /book        — aggregated depth for one instrument
//   - Trades:      GET    /trades      — the public trade tape
//   - Phase:       GET    /phase       — current market phase and capabilities
//   - Instruments: GET    /instruments — listed contracts
//
// Requests are retried on transport errors and 5xx responses (excluding
// 504, which means the order may have executed), self-throttled through
// an optional token bucket, and signed with the team's shared secret.
// The live feed lives in Feed.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"optionsim/pkg/types"
)

// Config holds the connection parameters for one team.
type Config struct {
	BaseURL   string
	TeamID    string
	APISecret string

	// Timeout bounds each request; it must exceed the exchange's
	// coordinator timeout or submissions will be cut off mid-wait.
	// Zero means 10s.
	Timeout time.Duration

	// MaxOrdersPerSecond self-throttles submissions below the role's
	// configured rate limit. Zero disables the throttle.
	MaxOrdersPerSecond float64
}

// Client is the exchange REST API client. It wraps a resty HTTP client
// with retry, signing, and optional self-throttling.
type Client struct {
	http   *resty.Client
	teamID string
	secret string
	rl     *TokenBucket
	logger *slog.Logger
}

// envelope mirrors types.APIResponse with a raw Data payload so each
// method can decode it into its own type.
type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id,omitempty"`
	OrderID   uint64          `json:"order_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *types.APIError `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubmitResult is the decoded outcome of a submission or cancellation.
// Exactly one of Ack and Err is set: a game-level rejection is data,
// not a transport error.
type SubmitResult struct {
	Ack       *types.OrderAck
	Err       *types.APIError
	OrderID   uint64
	RequestID string
}

// Rejected reports whether the exchange turned the request down.
func (r *SubmitResult) Rejected() bool { return r.Err != nil }

// New creates a REST client for one team.
func New(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// 504 means the outcome is unknown; retrying could execute
			// the order twice. Reconcile via positions instead.
			if r.StatusCode() == http.StatusGatewayTimeout {
				return false
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	var rl *TokenBucket
	if cfg.MaxOrdersPerSecond > 0 {
		rl = NewTokenBucket(cfg.MaxOrdersPerSecond, cfg.MaxOrdersPerSecond)
	}

	return &Client{
		http:   httpClient,
		teamID: cfg.TeamID,
		secret: cfg.APISecret,
		rl:     rl,
		logger: logger.With("component", "exchange-client"),
	}
}

// SubmitOrder places one order and blocks until the exchange reports
// its outcome. The team ID is filled from the client's credentials.
func (c *Client) SubmitOrder(ctx context.Context, req types.SubmitOrderRequest) (*SubmitResult, error) {
	if c.rl != nil {
		if err := c.rl.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req.TeamID = c.teamID

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders("POST", "/orders", body)).
		SetBody(json.RawMessage(body)).
		SetResult(&env).
		SetError(&env).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	return c.submitResult("submit order", resp, &env)
}

// CancelOrder pulls a resting order. A rejection (unknown order, not
// yours, wrong phase) comes back in SubmitResult.Err.
func (c *Client) CancelOrder(ctx context.Context, orderID uint64) (*SubmitResult, error) {
	path := "/orders/" + strconv.FormatUint(orderID, 10)

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders("DELETE", path, nil)).
		SetResult(&env).
		SetError(&env).
		Delete(path)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	return c.submitResult("cancel order", resp, &env)
}

// Positions fetches the team's signed positions per symbol.
func (c *Client) Positions(ctx context.Context) (map[string]int64, error) {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders("GET", "/positions", nil)).
		SetResult(&env).
		SetError(&env).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if err := envelopeError("get positions", resp, &env); err != nil {
		return nil, err
	}

	var data struct {
		Team      string           `json:"team"`
		Positions map[string]int64 `json:"positions"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return data.Positions, nil
}

// Book fetches the aggregated depth snapshot for one instrument.
func (c *Client) Book(ctx context.Context, symbol string) (*types.BookSnapshot, error) {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&env).
		SetError(&env).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if err := envelopeError("get book", resp, &env); err != nil {
		return nil, err
	}

	var snap types.BookSnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode book: %w", err)
	}
	return &snap, nil
}

// Trades fetches the public trade tape for one instrument, oldest
// first.
func (c *Client) Trades(ctx context.Context, symbol string) ([]types.Trade, error) {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&env).
		SetError(&env).
		Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if err := envelopeError("get trades", resp, &env); err != nil {
		return nil, err
	}

	var trades []types.Trade
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return trades, nil
}

// Phase fetches the current market phase and its capabilities.
func (c *Client) Phase(ctx context.Context) (*types.PhaseState, error) {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env).
		Get("/phase")
	if err != nil {
		return nil, fmt.Errorf("get phase: %w", err)
	}
	if err := envelopeError("get phase", resp, &env); err != nil {
		return nil, err
	}

	var state types.PhaseState
	if err := json.Unmarshal(env.Data, &state); err != nil {
		return nil, fmt.Errorf("decode phase: %w", err)
	}
	return &state, nil
}

// Instruments fetches the listed contracts.
func (c *Client) Instruments(ctx context.Context) ([]types.Instrument, error) {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env).
		Get("/instruments")
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}
	if err := envelopeError("get instruments", resp, &env); err != nil {
		return nil, err
	}

	var instruments []types.Instrument
	if err := json.Unmarshal(env.Data, &instruments); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	return instruments, nil
}

// authHeaders signs one request with the team's shared secret.
func (c *Client) authHeaders(method, path string, body []byte) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		types.HeaderTeam:      c.teamID,
		types.HeaderTimestamp: ts,
		types.HeaderSignature: types.Sign(c.secret, ts, method, path, body),
	}
}

// submitResult converts an order/cancel envelope into a SubmitResult.
// An envelope error is a result, not a Go error; a response that is
// neither is a transport failure.
func (c *Client) submitResult(op string, resp *resty.Response, env *envelope) (*SubmitResult, error) {
	if !env.Success && env.Error == nil {
		return nil, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	out := &SubmitResult{
		Err:       env.Error,
		OrderID:   env.OrderID,
		RequestID: env.RequestID,
	}
	if env.Success && len(env.Data) > 0 {
		var ack types.OrderAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return nil, fmt.Errorf("%s: decode ack: %w", op, err)
		}
		out.Ack = &ack
	}
	return out, nil
}

// envelopeError maps a failed read envelope to a Go error.
func envelopeError(op string, resp *resty.Response, env *envelope) error {
	if env.Success {
		return nil
	}
	if env.Error != nil {
		return fmt.Errorf("%s: %s: %s", op, env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
}
