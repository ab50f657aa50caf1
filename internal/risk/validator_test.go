package risk

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"optionsim/internal/config"
	"optionsim/pkg/types"
)

const testSymbol = "SPX-20261218-C-6500"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func riskContext(role types.Role, side types.Side, qty int64, position int64) *Context {
	return &Context{
		Order: &types.Order{
			Symbol:   testSymbol,
			TeamID:   "team-a",
			Side:     side,
			Type:     types.OrderTypeLimit,
			Quantity: qty,
		},
		TeamID:    "team-a",
		Role:      role,
		Positions: map[string]int64{testSymbol: position},
	}
}

func TestPositionLimitSymmetric(t *testing.T) {
	t.Parallel()

	limit := PositionLimit{Max: 50, Symmetric: true}
	tests := []struct {
		name     string
		side     types.Side
		qty      int64
		position int64
		wantErr  bool
	}{
		{"long within limit", types.BUY, 5, 45, false},
		{"long breaches limit", types.BUY, 6, 45, true},
		{"short within limit", types.SELL, 10, -40, false},
		{"short breaches limit", types.SELL, 1, -50, true},
		{"short reduced by a buy", types.BUY, 10, -50, false},
		{"exactly at the limit", types.BUY, 50, 0, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			apiErr := limit.Check(riskContext(types.RoleMarketMaker, tt.side, tt.qty, tt.position))
			if (apiErr != nil) != tt.wantErr {
				t.Fatalf("Check = %v, wantErr %v", apiErr, tt.wantErr)
			}
			if apiErr == nil {
				return
			}
			if apiErr.Code != "MM_POS_LIMIT" {
				t.Errorf("code = %s, want MM_POS_LIMIT", apiErr.Code)
			}
			if apiErr.Message != "Position exceeds ±50" {
				t.Errorf("message = %q", apiErr.Message)
			}
			if !strings.Contains(apiErr.Details, "projected") {
				t.Errorf("details = %q, want the projected position", apiErr.Details)
			}
		})
	}
}

func TestPositionLimitAsymmetric(t *testing.T) {
	t.Parallel()

	limit := PositionLimit{Max: 200}

	// Both sides are bounded; only the wording changes.
	if apiErr := limit.Check(riskContext(types.RoleHedgeFund, types.SELL, 10, -185)); apiErr != nil {
		t.Errorf("short within the limit rejected: %v", apiErr)
	}
	if apiErr := limit.Check(riskContext(types.RoleHedgeFund, types.SELL, 10, -195)); apiErr == nil {
		t.Error("short projected to -205 passed a limit of 200")
	}
	apiErr := limit.Check(riskContext(types.RoleHedgeFund, types.BUY, 10, 195))
	if apiErr == nil {
		t.Fatal("long breach passed")
	}
	if apiErr.Code != "POS_LIMIT_HEDGE_FUND" {
		t.Errorf("code = %s, want POS_LIMIT_HEDGE_FUND", apiErr.Code)
	}
	if apiErr.Message != "Position exceeds 200" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestPositionLimitCode(t *testing.T) {
	t.Parallel()

	if got := PositionLimitCode(types.RoleMarketMaker); got != "MM_POS_LIMIT" {
		t.Errorf("market_maker code = %s", got)
	}
	if got := PositionLimitCode(types.RoleRetail); got != "POS_LIMIT_RETAIL" {
		t.Errorf("retail code = %s", got)
	}
}

func TestInstrumentAllowed(t *testing.T) {
	t.Parallel()

	allowed := InstrumentAllowed{Symbols: map[string]bool{"SPY-20261218-C-650": true}}
	listed := map[string]bool{"SPY-20261218-C-650": true, testSymbol: true}

	ctx := riskContext(types.RoleRetail, types.BUY, 1, 0)
	ctx.InstrumentListed = func(s string) bool { return listed[s] }

	// Listed but outside the role's set.
	apiErr := allowed.Check(ctx)
	if apiErr == nil || apiErr.Code != types.ErrCodeInvalidInstrument {
		t.Errorf("restricted symbol = %v, want INVALID_INSTRUMENT", apiErr)
	}

	// Never listed at all.
	ctx.Order.Symbol = "SPX-UNLISTED"
	apiErr = allowed.Check(ctx)
	if apiErr == nil || apiErr.Code != types.ErrCodeUnknownInstrument {
		t.Errorf("unlisted symbol = %v, want UNKNOWN_INSTRUMENT", apiErr)
	}

	ctx.Order.Symbol = "SPY-20261218-C-650"
	if apiErr := allowed.Check(ctx); apiErr != nil {
		t.Errorf("allowed symbol rejected: %v", apiErr)
	}
}

func TestOrderRate(t *testing.T) {
	t.Parallel()

	rate := OrderRate{MaxPerSecond: 3}
	ctx := riskContext(types.RoleRetail, types.BUY, 1, 0)

	ctx.OrdersThisSecond = 2
	if apiErr := rate.Check(ctx); apiErr != nil {
		t.Errorf("third order rejected: %v", apiErr)
	}
	ctx.OrdersThisSecond = 3
	apiErr := rate.Check(ctx)
	if apiErr == nil || apiErr.Code != types.ErrCodeRateLimit {
		t.Errorf("fourth order = %v, want RATE_LIMIT_EXCEEDED", apiErr)
	}
}

func TestParseConstraint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.ConstraintConfig
		wantErr bool
	}{
		{"position limit", config.ConstraintConfig{Type: "position_limit", MaxPosition: 50, Symmetric: true}, false},
		{"instrument allowed", config.ConstraintConfig{Type: "instrument_allowed", Instruments: []string{"A"}}, false},
		{"order rate", config.ConstraintConfig{Type: "order_rate", MaxOrdersPerSecond: 3}, false},
		{"unknown kind", config.ConstraintConfig{Type: "margin_check"}, true},
		{"zero position limit", config.ConstraintConfig{Type: "position_limit"}, true},
		{"empty instrument list", config.ConstraintConfig{Type: "instrument_allowed"}, true},
		{"zero order rate", config.ConstraintConfig{Type: "order_rate"}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConstraint(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseConstraint(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

func TestValidatorFirstFailureWins(t *testing.T) {
	t.Parallel()

	v := NewValidator(testLogger())
	err := v.Load(types.RoleMarketMaker, []config.ConstraintConfig{
		{Type: "position_limit", MaxPosition: 50, Symmetric: true},
		{Type: "order_rate", MaxOrdersPerSecond: 1},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Both constraints are violated; the chain reports the first.
	ctx := riskContext(types.RoleMarketMaker, types.BUY, 100, 0)
	ctx.OrdersThisSecond = 5
	apiErr := v.Validate(ctx)
	if apiErr == nil || apiErr.Code != "MM_POS_LIMIT" {
		t.Errorf("Validate = %v, want the position breach first", apiErr)
	}
}

func TestValidatorUnknownRolePasses(t *testing.T) {
	t.Parallel()

	v := NewValidator(testLogger())
	if apiErr := v.Validate(riskContext("observer", types.BUY, 1000000, 0)); apiErr != nil {
		t.Errorf("role without a chain rejected an order: %v", apiErr)
	}
}

func TestValidatorLoadRejectsBadChain(t *testing.T) {
	t.Parallel()

	v := NewValidator(testLogger())
	err := v.Load(types.RoleRetail, []config.ConstraintConfig{
		{Type: "order_rate", MaxOrdersPerSecond: 3},
		{Type: "nonsense"},
	})
	if err == nil {
		t.Fatal("Load accepted an unknown constraint kind")
	}
	if !strings.Contains(err.Error(), "constraint 1") {
		t.Errorf("error = %v, want the failing index named", err)
	}
}
