// Options quoting bot: an automated market maker for the optionsim
// exchange using the Avellaneda-Stoikov model.
//
// Architecture:
//
//	main.go                            entry point: flags, wiring, signal handling
//	internal/strategy/maker.go         Avellaneda-Stoikov quoting loop, one per instrument
//	internal/strategy/inventory.go     signed position, entry basis, realized/unrealized PnL
//	internal/strategy/flow_tracker.go  one-sided flow detection and spread widening
//	internal/strategy/guard.go         loss and price-shock halts shared across makers
//	internal/strategy/scanner.go       startup instrument selection by quoting opportunity
//	pkg/client                         signed REST client, token-bucket throttle, WebSocket feed
//
// How it makes money:
//
//	The bot posts a bid below and an ask above each option's reference
//	price. When both sides fill it earns the spread plus maker rebates.
//	Inventory skew shifts the quotes to attract offsetting flow before
//	a position grows into directional risk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"optionsim/internal/strategy"
	"optionsim/pkg/client"
	"optionsim/pkg/types"
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8080", "exchange REST base URL")
		wsURL      = flag.String("ws-url", "", "exchange WebSocket URL (derived from -url when empty)")
		team       = flag.String("team", "", "team ID")
		secret     = flag.String("secret", os.Getenv("OPTX_API_SECRET"), "API secret (or OPTX_API_SECRET)")
		symbolsCSV = flag.String("symbols", "", "comma-separated instruments to quote (scans when empty)")
		numInsts   = flag.Int("instruments", 3, "instruments to pick when scanning")
		size       = flag.Int64("size", 5, "base contracts per quote")
		maxPos     = flag.Int64("max-position", 50, "per-instrument inventory cap")
		rate       = flag.Float64("rate", 4, "orders per second self-throttle (0 disables)")
		refresh    = flag.Duration("refresh", 2*time.Second, "quote refresh interval")
		gamma      = flag.Float64("gamma", 0.5, "risk aversion")
		sigma      = flag.Float64("sigma", 0.3, "volatility estimate, premium units")
		horizon    = flag.Float64("horizon", 1, "quoting horizon")
		intensity  = flag.Float64("intensity", 1.5, "order arrival intensity")
		minSpread  = flag.Float64("min-spread", 0.05, "spread floor, premium units")
		seedPrice  = flag.Float64("seed-price", 0, "reference when book and tape are empty")
		maxLoss    = flag.Float64("max-loss", 0, "total loss that halts quoting (0 disables)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
		logFormat  = flag.String("log-format", "text", "text or json")
	)
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)

	if *team == "" || *secret == "" {
		logger.Error("both -team and -secret (or OPTX_API_SECRET) are required")
		os.Exit(1)
	}

	feedURL := *wsURL
	if feedURL == "" {
		feedURL = deriveWSURL(*baseURL)
	}
	if feedURL == "" {
		logger.Error("cannot derive WebSocket URL", "url", *baseURL)
		os.Exit(1)
	}

	cli := client.New(client.Config{
		BaseURL:            *baseURL,
		TeamID:             *team,
		APISecret:          *secret,
		MaxOrdersPerSecond: *rate,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbols, err := resolveSymbols(ctx, cli, logger, *symbolsCSV, *numInsts)
	if err != nil {
		logger.Error("no instruments to quote", "error", err)
		os.Exit(1)
	}

	// Resume any position left from a previous run so the makers skew
	// their quotes toward flattening it instead of doubling down.
	positions, err := cli.Positions(ctx)
	if err != nil {
		logger.Warn("positions unavailable at startup, assuming flat", "error", err)
		positions = map[string]int64{}
	}

	guard := strategy.NewGuard(strategy.GuardConfig{
		MaxLoss:     *maxLoss,
		ShockPct:    0.25,
		ShockWindow: time.Minute,
		Cooldown:    30 * time.Second,
	}, logger)

	feed := client.NewFeed(feedURL, *team, *secret, logger)
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("feed stopped", "error", err)
		}
	}()

	type makerChans struct {
		trades chan types.WSTradeMsg
		books  chan types.WSBookMsg
		phases chan types.WSPhaseMsg
	}
	chans := make(map[string]*makerChans, len(symbols))
	for _, sym := range symbols {
		chans[sym] = &makerChans{
			trades: make(chan types.WSTradeMsg, 64),
			books:  make(chan types.WSBookMsg, 64),
			phases: make(chan types.WSPhaseMsg, 8),
		}
	}

	// Route feed messages to the maker that owns each symbol. Fill
	// confirmations must never be dropped; depth and phase updates are
	// superseded by later ones, so a full channel just skips.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-feed.Trades():
				if mc, ok := chans[msg.Symbol]; ok {
					select {
					case mc.trades <- msg:
					case <-ctx.Done():
						return
					}
				}
			case msg := <-feed.Books():
				if mc, ok := chans[msg.Symbol]; ok {
					select {
					case mc.books <- msg:
					default:
					}
				}
			case msg := <-feed.Phases():
				for _, mc := range chans {
					select {
					case mc.phases <- msg:
					default:
					}
				}
			}
		}
	}()

	mcfg := strategy.Config{
		RefreshInterval: *refresh,
		OrderSize:       *size,
		MaxPosition:     *maxPos,
		Gamma:           *gamma,
		Sigma:           *sigma,
		Horizon:         *horizon,
		Intensity:       *intensity,
		MinSpread:       *minSpread,
		SeedPrice:       *seedPrice,
	}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		inv := strategy.NewInventory(sym, *maxPos)
		if qty := positions[sym]; qty != 0 {
			inv.Seed(qty)
			logger.Info("resuming position", "symbol", sym, "quantity", qty)
		}
		m := strategy.NewMaker(mcfg, sym, cli, inv, guard, logger)
		mc := chans[sym]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(ctx, mc.trades, mc.books, mc.phases)
		}()
	}

	logger.Info("market maker started",
		"team", *team,
		"symbols", symbols,
		"order_size", *size,
		"max_position", *maxPos,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if err := feed.Close(); err != nil {
		logger.Warn("feed close", "error", err)
	}
	wg.Wait()
	logger.Info("shutdown complete")
}

// resolveSymbols returns the instruments to quote: the explicit list
// when one was given, otherwise the scanner's top picks.
func resolveSymbols(ctx context.Context, cli *client.Client, logger *slog.Logger, csv string, limit int) ([]string, error) {
	if csv != "" {
		var symbols []string
		for _, s := range strings.Split(csv, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) == 0 {
			return nil, fmt.Errorf("-symbols is empty")
		}
		return symbols, nil
	}

	selections, err := strategy.NewScanner(cli, logger).Scan(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return nil, fmt.Errorf("scanner found no instruments")
	}
	symbols := make([]string, 0, len(selections))
	for _, sel := range selections {
		logger.Info("selected instrument", "symbol", sel.Instrument.Symbol, "score", sel.Score)
		symbols = append(symbols, sel.Instrument.Symbol)
	}
	return symbols, nil
}

func deriveWSURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
