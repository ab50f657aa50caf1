// feed.go implements the live WebSocket feed consumer.
//
// One connection carries three event types: "trade" confirmations
// (delivered only after a signed subscribe scopes the connection to a
// team), "book" depth updates, and "phase" transitions. The feed
// auto-reconnects with exponential backoff (1s → 30s max) and re-sends
// its subscribe on every reconnection. A read deadline detects silent
// server failures within two missed pings.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optionsim/pkg/types"
)

const (
	feedReadTimeout  = 90 * time.Second
	feedWriteTimeout = 10 * time.Second
	maxReconnectWait = 30 * time.Second

	bookBufferSize  = 256
	tradeBufferSize = 64
	phaseBufferSize = 16
)

// Feed consumes the exchange WebSocket stream and routes events onto
// typed channels. A Feed with no credentials receives broadcasts only.
type Feed struct {
	url    string
	teamID string
	secret string

	conn   *websocket.Conn
	connMu sync.Mutex

	tradeCh chan types.WSTradeMsg
	bookCh  chan types.WSBookMsg
	phaseCh chan types.WSPhaseMsg

	logger *slog.Logger
}

// NewFeed creates a feed consumer. teamID and secret may be empty for a
// broadcast-only (market data) connection.
func NewFeed(wsURL, teamID, secret string, logger *slog.Logger) *Feed {
	return &Feed{
		url:     wsURL,
		teamID:  teamID,
		secret:  secret,
		tradeCh: make(chan types.WSTradeMsg, tradeBufferSize),
		bookCh:  make(chan types.WSBookMsg, bookBufferSize),
		phaseCh: make(chan types.WSPhaseMsg, phaseBufferSize),
		logger:  logger.With("component", "exchange-feed"),
	}
}

// Trades returns a read-only channel of fill confirmations.
func (f *Feed) Trades() <-chan types.WSTradeMsg { return f.tradeCh }

// Books returns a read-only channel of depth updates.
func (f *Feed) Books() <-chan types.WSBookMsg { return f.bookCh }

// Phases returns a read-only channel of phase transitions.
func (f *Feed) Phases() <-chan types.WSPhaseMsg { return f.phaseCh }

// Run connects and maintains the WebSocket connection with
// auto-reconnect. Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the underlying connection, unblocking a Run in progress.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("feed connected", "team", f.teamID)

	// The server pings; the default handler pongs. The read deadline
	// fires after roughly two missed pings.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

// subscribe scopes the connection to the team's private confirmations.
// Broadcast-only feeds skip it.
func (f *Feed) subscribe() error {
	if f.teamID == "" {
		return nil
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := types.WSSubscribeMsg{
		TeamID:    f.teamID,
		Timestamp: ts,
		Signature: types.Sign(f.secret, ts, "GET", "/ws", nil),
	}
	return f.writeJSON(msg)
}

func (f *Feed) dispatchMessage(data []byte) {
	var peek struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}

	switch peek.EventType {
	case "trade":
		var evt types.WSTradeMsg
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "trade_id", evt.TradeID)
		}

	case "book":
		var evt types.WSBookMsg
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "symbol", evt.Symbol)
		}

	case "phase":
		var evt types.WSPhaseMsg
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal phase event", "error", err)
			return
		}
		select {
		case f.phaseCh <- evt:
		default:
			f.logger.Warn("phase channel full, dropping event", "phase", evt.Phase)
		}

	default:
		f.logger.Debug("unknown feed event type", "type", peek.EventType)
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}
