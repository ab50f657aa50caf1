package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"optionsim/pkg/client"
	"optionsim/pkg/types"
)

// Selection is one instrument the scanner rated.
type Selection struct {
	Instrument types.Instrument
	Score      float64
}

// Scanner rates listed instruments by quoting attractiveness. It is
// run once at startup when no symbols are configured; the best few
// instruments each get a maker.
type Scanner struct {
	cli    *client.Client
	logger *slog.Logger
}

func NewScanner(cli *client.Client, logger *slog.Logger) *Scanner {
	return &Scanner{cli: cli, logger: logger.With("component", "scanner")}
}

// Scan fetches depth and tape for every listed instrument and returns
// the top limit selections, best first. Instruments whose market data
// cannot be fetched are skipped, not fatal.
func (s *Scanner) Scan(ctx context.Context, limit int) ([]Selection, error) {
	insts, err := s.cli.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing instruments: %w", err)
	}

	selections := make([]Selection, 0, len(insts))
	for _, inst := range insts {
		book, err := s.cli.Book(ctx, inst.Symbol)
		if err != nil {
			s.logger.Warn("skipping instrument", "symbol", inst.Symbol, "error", err)
			continue
		}
		trades, err := s.cli.Trades(ctx, inst.Symbol)
		if err != nil {
			s.logger.Warn("skipping instrument", "symbol", inst.Symbol, "error", err)
			continue
		}
		sel := Selection{Instrument: inst, Score: score(book, trades)}
		selections = append(selections, sel)
		s.logger.Debug("scored instrument", "symbol", inst.Symbol, "score", sel.Score)
	}

	sort.Slice(selections, func(i, j int) bool {
		if selections[i].Score != selections[j].Score {
			return selections[i].Score > selections[j].Score
		}
		return selections[i].Instrument.Symbol < selections[j].Instrument.Symbol
	})
	if limit > 0 && len(selections) > limit {
		selections = selections[:limit]
	}

	s.logger.Info("scan complete", "instruments", len(insts), "selected", len(selections))
	return selections, nil
}

// score rates one instrument. A wide or uncontested book means edge
// for a quoter; recent tape volume means fills actually happen there.
func score(book *types.BookSnapshot, trades []types.Trade) float64 {
	opportunity := 1.0
	if book != nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		bb := book.Bids[0].Price.InexactFloat64()
		ba := book.Asks[0].Price.InexactFloat64()
		if mid := (bb + ba) / 2; mid > 0 {
			opportunity = clamp((ba-bb)/mid, 0.01, 1)
		}
	}

	var volume int64
	for _, t := range trades {
		volume += t.Quantity
	}
	return opportunity * math.Sqrt(float64(volume)+1)
}
