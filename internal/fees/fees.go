// Package fees computes per-trade fees from role-keyed schedules.
//
// Schedule amounts are signed and applied directly, from the trader's
// perspective: positive credits the trader, negative debits. A
// conventional setup pays makers a small positive rebate and charges
// takers a negative fee, but nothing prevents a config from inverting
// that.
package fees

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"optionsim/internal/config"
	"optionsim/pkg/types"
)

// Schedule is one role's per-contract fee schedule.
type Schedule struct {
	MakerRebate decimal.Decimal
	TakerFee    decimal.Decimal
}

// Engine resolves fee schedules by role. Schedules are fixed at
// construction; lookups are read-only and safe for concurrent use.
type Engine struct {
	byRole map[types.Role]Schedule
}

// New creates an engine from parsed schedules.
func New(byRole map[types.Role]Schedule) *Engine {
	e := &Engine{byRole: make(map[types.Role]Schedule, len(byRole))}
	for role, s := range byRole {
		e.byRole[role] = s
	}
	return e
}

// FromConfig parses the role fee schedules out of configuration.
func FromConfig(roles map[string]config.RoleConfig) (*Engine, error) {
	byRole := make(map[types.Role]Schedule, len(roles))
	for name, rc := range roles {
		rebate, err := decimal.NewFromString(rc.Fees.MakerRebate)
		if err != nil {
			return nil, fmt.Errorf("role %s maker_rebate: %w", name, err)
		}
		fee, err := decimal.NewFromString(rc.Fees.TakerFee)
		if err != nil {
			return nil, fmt.Errorf("role %s taker_fee: %w", name, err)
		}
		byRole[types.Role(name)] = Schedule{MakerRebate: rebate, TakerFee: fee}
	}
	return New(byRole), nil
}

// LiquidityType compares an order's side to the trade's aggressor side:
// the aggressing side took liquidity, the opposite side made it.
func LiquidityType(orderSide, aggressor types.Side) types.Liquidity {
	if orderSide == aggressor {
		return types.Taker
	}
	return types.Maker
}

// Fee returns the signed fee for qty contracts traded by a team of the
// given role on the given liquidity side. Zero quantity yields a zero fee.
// Unknown roles are an error naming the known ones — a symptom of team
// and role configuration drifting apart.
func (e *Engine) Fee(role types.Role, liq types.Liquidity, qty int64) (decimal.Decimal, error) {
	sched, ok := e.byRole[role]
	if !ok {
		return decimal.Zero, fmt.Errorf("no fee schedule for role %q (known roles: %s)", role, strings.Join(e.roleNames(), ", "))
	}
	if qty == 0 {
		return decimal.Zero, nil
	}
	rate := sched.TakerFee
	if liq == types.Maker {
		rate = sched.MakerRebate
	}
	return rate.Mul(decimal.NewFromInt(qty)), nil
}

// Schedule returns the fee schedule for a role.
func (e *Engine) Schedule(role types.Role) (Schedule, bool) {
	s, ok := e.byRole[role]
	return s, ok
}

func (e *Engine) roleNames() []string {
	out := make([]string, 0, len(e.byRole))
	for role := range e.byRole {
		out = append(out, string(role))
	}
	sort.Strings(out)
	return out
}
