// Package risk enforces per-role trading constraints ahead of matching.
//
// Each role carries an ordered constraint chain loaded from configuration.
// The validator pipeline stage builds a Context per submission (order,
// positions, rate counter reading) and runs the chain; the first failing
// check rejects the order with a structured error, and an order that
// passes every check proceeds to the matcher. Teams whose role has no
// registered constraints trade unrestricted.
package risk

import (
	"fmt"
	"log/slog"
	"strings"

	"optionsim/internal/config"
	"optionsim/pkg/types"
)

// Context carries everything a constraint may inspect for one submission.
// Built fresh per order, never persisted.
type Context struct {
	Order            *types.Order
	TeamID           string
	Role             types.Role
	Positions        map[string]int64 // signed positions by symbol
	OrdersThisSecond int
	InstrumentListed func(string) bool // venue listing check
}

// Constraint is one risk check. The closed set of kinds is
// position_limit, instrument_allowed, and order_rate; unknown kinds fail
// at load time, not at validation time.
type Constraint interface {
	// Check returns nil to pass the order, or the structured rejection.
	Check(ctx *Context) *types.APIError
}

// PositionLimit bounds a team's projected signed position per instrument:
// the long side may not exceed Max and the short side may not fall below
// -Max. Symmetric changes only the rejection wording.
type PositionLimit struct {
	Max       int64
	Symmetric bool
}

func (c PositionLimit) Check(ctx *Context) *types.APIError {
	projected := ctx.Positions[ctx.Order.Symbol] + ctx.Order.SignedQuantity()
	if absInt64(projected) <= c.Max {
		return nil
	}
	msg := fmt.Sprintf("Position exceeds %d", c.Max)
	if c.Symmetric {
		msg = fmt.Sprintf("Position exceeds ±%d", c.Max)
	}
	return &types.APIError{
		Code:    PositionLimitCode(ctx.Role),
		Message: msg,
		Details: fmt.Sprintf("current %d, projected %d", ctx.Positions[ctx.Order.Symbol], projected),
	}
}

// PositionLimitCode is the role-specific rejection code for position
// breaches: MM_POS_LIMIT for market makers, POS_LIMIT_<ROLE> otherwise.
func PositionLimitCode(role types.Role) string {
	if role == types.RoleMarketMaker {
		return "MM_POS_LIMIT"
	}
	return "POS_LIMIT_" + strings.ToUpper(string(role))
}

// InstrumentAllowed restricts a role to an explicit instrument set. It
// also rejects symbols the venue has never listed, so a constrained role
// cannot distinguish "not listed" from "not allowed" by probing.
type InstrumentAllowed struct {
	Symbols map[string]bool
}

func (c InstrumentAllowed) Check(ctx *Context) *types.APIError {
	symbol := ctx.Order.Symbol
	if ctx.InstrumentListed != nil && !ctx.InstrumentListed(symbol) {
		return &types.APIError{
			Code:    types.ErrCodeUnknownInstrument,
			Message: fmt.Sprintf("instrument %s is not listed", symbol),
		}
	}
	if !c.Symbols[symbol] {
		return &types.APIError{
			Code:    types.ErrCodeInvalidInstrument,
			Message: fmt.Sprintf("instrument %s is not allowed for role %s", symbol, ctx.Role),
		}
	}
	return nil
}

// OrderRate caps accepted submissions per team per wall-clock second.
// The counter reading in the Context reflects already-accepted orders in
// the current second, so a cap of 3 rejects the 4th.
type OrderRate struct {
	MaxPerSecond int
}

func (c OrderRate) Check(ctx *Context) *types.APIError {
	if ctx.OrdersThisSecond >= c.MaxPerSecond {
		return &types.APIError{
			Code:    types.ErrCodeRateLimit,
			Message: fmt.Sprintf("rate limit of %d orders per second exceeded", c.MaxPerSecond),
		}
	}
	return nil
}

// ParseConstraint builds one constraint from configuration.
func ParseConstraint(cfg config.ConstraintConfig) (Constraint, error) {
	switch cfg.Type {
	case "position_limit":
		if cfg.MaxPosition <= 0 {
			return nil, fmt.Errorf("position_limit: max_position must be > 0")
		}
		return PositionLimit{Max: cfg.MaxPosition, Symmetric: cfg.Symmetric}, nil
	case "instrument_allowed":
		if len(cfg.Instruments) == 0 {
			return nil, fmt.Errorf("instrument_allowed: instruments list is empty")
		}
		set := make(map[string]bool, len(cfg.Instruments))
		for _, s := range cfg.Instruments {
			set[s] = true
		}
		return InstrumentAllowed{Symbols: set}, nil
	case "order_rate":
		if cfg.MaxOrdersPerSecond <= 0 {
			return nil, fmt.Errorf("order_rate: max_orders_per_second must be > 0")
		}
		return OrderRate{MaxPerSecond: cfg.MaxOrdersPerSecond}, nil
	default:
		return nil, fmt.Errorf("unknown constraint kind %q", cfg.Type)
	}
}

// Validator holds the per-role constraint chains. Roles are loaded once
// during bootstrap, before the pipeline starts; Validate is then called
// from a single stage, so no locking is needed.
type Validator struct {
	byRole map[types.Role][]Constraint
	logger *slog.Logger
}

// NewValidator creates an empty validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		byRole: make(map[types.Role][]Constraint),
		logger: logger.With("component", "validator"),
	}
}

// Load parses and registers a role's constraint chain, replacing any
// previous chain for that role. Chain order is evaluation order.
func (v *Validator) Load(role types.Role, cfgs []config.ConstraintConfig) error {
	chain := make([]Constraint, 0, len(cfgs))
	for i, cfg := range cfgs {
		c, err := ParseConstraint(cfg)
		if err != nil {
			return fmt.Errorf("role %s constraint %d: %w", role, i, err)
		}
		chain = append(chain, c)
	}
	v.byRole[role] = chain
	v.logger.Info("constraints loaded", "role", role, "count", len(chain))
	return nil
}

// Validate runs the role's chain in registration order; the first failure
// wins. A role with no registered chain accepts everything.
func (v *Validator) Validate(ctx *Context) *types.APIError {
	for _, c := range v.byRole[ctx.Role] {
		if apiErr := c.Check(ctx); apiErr != nil {
			return apiErr
		}
	}
	return nil
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
