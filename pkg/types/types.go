// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange — instruments,
// orders, trades, market phases, API envelopes, and WebSocket payloads.
// It has no dependencies on internal packages, so it can be imported by
// any layer, including the team-facing client SDK.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"  // rests at a price if not immediately matched
	OrderTypeMarket OrderType = "MARKET" // executes against the book, never rests
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// Role classifies a team and selects its fee schedule and constraint set.
// Roles are free-form strings defined in configuration; these are the
// conventional ones.
type Role string

const (
	RoleMarketMaker Role = "market_maker"
	RoleHedgeFund   Role = "hedge_fund"
	RoleRetail      Role = "retail"
)

// Liquidity labels which side of a trade provided liquidity.
type Liquidity string

const (
	Maker Liquidity = "maker" // passive side, eligible for rebate
	Taker Liquidity = "taker" // aggressive side, typically charged
)

// PhaseType identifies the current market session phase.
type PhaseType string

const (
	PhaseClosed         PhaseType = "closed"
	PhasePreOpen        PhaseType = "pre_open"
	PhaseOpeningAuction PhaseType = "opening_auction"
	PhaseContinuous     PhaseType = "continuous"
)

// ExecutionStyle tells the venue how arriving orders are handled in the
// current phase.
type ExecutionStyle string

const (
	ExecNone       ExecutionStyle = "none"       // orders are rejected outright
	ExecBatch      ExecutionStyle = "batch"      // orders accumulate for the auction
	ExecContinuous ExecutionStyle = "continuous" // orders match immediately
)

// MatchStatus summarizes what the matching engine did with an order.
type MatchStatus string

const (
	StatusFilled   MatchStatus = "filled"   // fully executed
	StatusPartial  MatchStatus = "partial"  // some quantity executed, remainder dropped or resting
	StatusAccepted MatchStatus = "accepted" // no execution, resting on the book
	StatusRejected MatchStatus = "rejected" // refused before touching the book
)

// ————————————————————————————————————————————————————————————————————————
// Error codes
// ————————————————————————————————————————————————————————————————————————

// Canonical error codes returned in APIError.Code. Position-limit codes
// are role-specific: MM_POS_LIMIT for market makers, POS_LIMIT_<ROLE>
// otherwise.
const (
	ErrCodeMarketClosed      = "MARKET_CLOSED"
	ErrCodeUnknownTeam       = "UNKNOWN_TEAM"
	ErrCodeInvalidInstrument = "INVALID_INSTRUMENT"
	ErrCodeUnknownInstrument = "UNKNOWN_INSTRUMENT"
	ErrCodeRateLimit         = "RATE_LIMIT_EXCEEDED"
	ErrCodeOverloaded        = "SERVICE_OVERLOADED"
	ErrCodeShutdown          = "SERVICE_SHUTDOWN"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInvalidQuantity   = "INVALID_QUANTITY"
	ErrCodeInvalidPrice      = "INVALID_PRICE"
	ErrCodeInvalidSide       = "INVALID_SIDE"
	ErrCodeUnauthorized      = "UNAUTHORIZED_CANCEL"
)

// APIError is the structured error carried in unsuccessful responses.
// The core never surfaces raw stack traces; every failure is one of these.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + " (" + e.Details + ")"
	}
	return e.Code + ": " + e.Message
}

// ————————————————————————————————————————————————————————————————————————
// Instruments
// ————————————————————————————————————————————————————————————————————————

// Instrument is an immutable descriptor of a tradeable contract. Symbol is
// the unique key. Options carry strike, expiry, and option type; other
// instruments (futures, index trackers) carry only symbol + underlying.
type Instrument struct {
	Symbol     string          `json:"symbol" mapstructure:"symbol"`
	Underlying string          `json:"underlying" mapstructure:"underlying"`
	Strike     decimal.Decimal `json:"strike,omitempty" mapstructure:"strike"`
	Expiry     string          `json:"expiry,omitempty" mapstructure:"expiry"` // ISO date, e.g. "2026-12-18"
	OptionType OptionType      `json:"option_type,omitempty" mapstructure:"option_type"`
}

// IsOption reports whether the instrument is an option contract.
func (i Instrument) IsOption() bool {
	return i.OptionType != ""
}

// Validate checks the descriptor is internally consistent: options need
// strike, expiry, and a valid option type; non-options must carry none.
func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return &APIError{Code: ErrCodeInvalidInstrument, Message: "instrument symbol is required"}
	}
	if i.Underlying == "" {
		return &APIError{Code: ErrCodeInvalidInstrument, Message: "instrument underlying is required"}
	}
	if i.IsOption() {
		if i.OptionType != Call && i.OptionType != Put {
			return &APIError{Code: ErrCodeInvalidInstrument, Message: "option_type must be CALL or PUT"}
		}
		if !i.Strike.IsPositive() {
			return &APIError{Code: ErrCodeInvalidInstrument, Message: "options require a positive strike"}
		}
		if _, err := time.Parse("2006-01-02", i.Expiry); err != nil {
			return &APIError{Code: ErrCodeInvalidInstrument, Message: "options require an ISO expiry date"}
		}
		return nil
	}
	if !i.Strike.IsZero() || i.Expiry != "" {
		return &APIError{Code: ErrCodeInvalidInstrument, Message: "strike/expiry are only valid on options"}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a request to trade. The venue assigns ID and Seq on acceptance;
// the submitting team owns only the returned ID. Price is meaningful only
// for limit orders — market orders carry a zero price.
type Order struct {
	ID            uint64          `json:"order_id"`                  // venue-assigned, 0 until accepted
	ClientOrderID string          `json:"client_order_id,omitempty"` // caller-supplied correlation tag, echoed back
	Symbol        string          `json:"symbol"`
	TeamID        string          `json:"team_id"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"order_type"`
	Quantity      int64           `json:"quantity"`        // contracts requested, always > 0
	Price         decimal.Decimal `json:"price,omitempty"` // limit price; zero for market orders
	Remaining     int64           `json:"remaining"`       // unexecuted contracts, in [0, Quantity]
	Seq           uint64          `json:"-"`               // venue arrival sequence, drives time priority
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// IsMarket reports whether the order executes at any price.
func (o *Order) IsMarket() bool {
	return o.Type == OrderTypeMarket
}

// SignedQuantity is the position delta a full fill would produce:
// +Quantity for buys, -Quantity for sells.
func (o *Order) SignedQuantity() int64 {
	if o.Side == SELL {
		return -o.Quantity
	}
	return o.Quantity
}

// Validate enforces the order invariants. It returns a structured error
// naming the first violated rule, or nil for a well-formed order.
func (o *Order) Validate() *APIError {
	if o.Side != BUY && o.Side != SELL {
		return &APIError{Code: ErrCodeInvalidSide, Message: "side must be BUY or SELL"}
	}
	if o.Quantity <= 0 {
		return &APIError{Code: ErrCodeInvalidQuantity, Message: "quantity must be a positive integer"}
	}
	switch o.Type {
	case OrderTypeLimit:
		if !o.Price.IsPositive() {
			return &APIError{Code: ErrCodeInvalidPrice, Message: "limit orders require a positive price"}
		}
	case OrderTypeMarket:
		if !o.Price.IsZero() {
			return &APIError{Code: ErrCodeInvalidPrice, Message: "market orders must not carry a price"}
		}
	default:
		return &APIError{Code: ErrCodeInvalidPrice, Message: "order_type must be LIMIT or MARKET"}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade records one execution between two orders. Trades are immutable
// once created. For auction trades Aggressor carries the side of the
// larger imbalance and Auction is true.
type Trade struct {
	ID          string          `json:"trade_id"`
	Symbol      string          `json:"symbol"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	BuyOrderID  uint64          `json:"buy_order_id"`
	SellOrderID uint64          `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	Aggressor   Side            `json:"aggressor_side"`
	Auction     bool            `json:"auction,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Value returns price × quantity.
func (t Trade) Value() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// ————————————————————————————————————————————————————————————————————————
// Market phases
// ————————————————————————————————————————————————————————————————————————

// PhaseState is the declarative capability set for a point in time.
// Derived purely from the wall clock by the phase schedule; holds no
// venue state.
type PhaseState struct {
	Phase       PhaseType      `json:"phase"`
	AllowSubmit bool           `json:"allow_submit"`
	AllowCancel bool           `json:"allow_cancel"`
	AllowMatch  bool           `json:"allow_match"`
	Execution   ExecutionStyle `json:"execution"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book snapshots
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one aggregated price level of a depth snapshot.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// BookSnapshot is a point-in-time view of one instrument's book.
// Bids are sorted descending by price (best first), asks ascending.
type BookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// API envelopes
// ————————————————————————————————————————————————————————————————————————

// SubmitOrderRequest is the inbound payload for placing an order.
type SubmitOrderRequest struct {
	TeamID        string    `json:"team_id"`
	Symbol        string    `json:"symbol"`
	OrderType     OrderType `json:"order_type"`
	Side          Side      `json:"side"`
	Quantity      int64     `json:"quantity"`
	Price         string    `json:"price,omitempty"` // decimal string, absent for market orders
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// CancelOrderRequest is the inbound payload for cancelling a resting order.
type CancelOrderRequest struct {
	TeamID  string `json:"team_id"`
	OrderID uint64 `json:"order_id"`
}

// OrderAck summarizes the outcome of a processed submission. It is the
// Data payload of a successful submit response.
type OrderAck struct {
	OrderID        uint64      `json:"order_id"`
	Status         MatchStatus `json:"status"`
	Fills          int         `json:"fills"`
	FilledQuantity int64       `json:"filled_quantity"`
	ClientOrderID  string      `json:"client_order_id,omitempty"`
}

// APIResponse is the uniform envelope for every request/response exchange.
type APIResponse struct {
	Success   bool      `json:"success"`
	RequestID string    `json:"request_id,omitempty"`
	OrderID   uint64    `json:"order_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the exchange
// WebSocket feed. Trade confirmations are delivered to the two
// counterparties; book and phase updates are broadcast to every client.

// WSMessage is one outbound fan-out item. TeamID targets a single team's
// connections; an empty TeamID broadcasts to all clients.
type WSMessage struct {
	TeamID  string `json:"-"`
	Payload any    `json:"-"`
}

// WSTradeMsg is a fill notification sent to each counterparty of a trade.
type WSTradeMsg struct {
	EventType string          `json:"event_type"` // always "trade"
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	OrderID   uint64          `json:"order_id"` // this team's order
	Side      Side            `json:"side"`     // this team's side
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Liquidity Liquidity       `json:"liquidity"`
	Fee       decimal.Decimal `json:"fee"` // positive = credit, negative = debit
	Auction   bool            `json:"auction,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WSBookMsg is a depth update broadcast after executions change a book.
type WSBookMsg struct {
	EventType string       `json:"event_type"` // always "book"
	Symbol    string       `json:"symbol"`
	Snapshot  BookSnapshot `json:"snapshot"`
}

// WSPhaseMsg announces a market phase transition.
type WSPhaseMsg struct {
	EventType string     `json:"event_type"` // always "phase"
	Phase     PhaseType  `json:"phase"`
	State     PhaseState `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// WSSubscribeMsg is the initial message a client sends after connecting.
// TeamID plus a valid signature scopes the connection to that team's
// private trade confirmations; broadcasts are delivered regardless.
type WSSubscribeMsg struct {
	TeamID    string `json:"team_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"` // HMAC over timestamp + "GET" + /ws
}
