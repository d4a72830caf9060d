// Command gridengine runs the perpetual-futures unit-quantised grid trading
// engine: one cycle per symbol, trailing stop-sells and limit-buys through
// every ADVANCE/RETRACEMENT/DECLINE/RECOVERY swing, and rebasing onto a new
// entry price on RESET.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/audit"
	"github.com/vantrail/gridengine/internal/config"
	"github.com/vantrail/gridengine/internal/cycle"
	"github.com/vantrail/gridengine/internal/engine"
	"github.com/vantrail/gridengine/internal/fills"
	"github.com/vantrail/gridengine/internal/notify"
	"github.com/vantrail/gridengine/internal/orders"
	"github.com/vantrail/gridengine/internal/persist"
	"github.com/vantrail/gridengine/internal/venue"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var runErr error
	switch os.Args[1] {
	case "trade":
		runErr = runTrade(cfg, os.Args[2:])
	case "status":
		runErr = runStatus(cfg, os.Args[2:])
	case "close":
		runErr = runClose(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "gridengine %s\n\n", version)
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  gridengine trade SYMBOL POSITION_NOTIONAL UNIT_SIZE [--leverage N] [--testnet]")
	fmt.Fprintln(os.Stderr, "  gridengine status [SYMBOL]")
	fmt.Fprintln(os.Stderr, "  gridengine close SYMBOL")
}

// buildVenue wires the REST client from cfg. It does not read cfg.Testnet
// (the --testnet flag only appears in the startup log line); the venue base
// URL itself is expected to already point at the correct environment
// (VENUE_BASE_URL).
func buildVenue(cfg *config.Config) *venue.Client {
	return venue.New(venue.Options{
		BaseURL:        cfg.VenueBaseURL,
		APIKey:         cfg.VenueAPIKey,
		APISecret:      cfg.VenueAPISecret,
		Passphrase:     cfg.VenuePassword,
		DryRun:         cfg.DryRun,
		ConditionalBuy: cfg.ConditionalBuy,
		HTTPTimeout:    cfg.RPCTimeout,
	})
}

func buildEngine(cfg *config.Config, symbol string, v *venue.Client, store *persist.Store, notifier *notify.Notifier) *engine.Engine {
	mgr := orders.New(orders.Config{
		Symbol:          symbol,
		RPCTimeout:      cfg.RPCTimeout,
		CancelRetryBase: cfg.CancelRetryBase,
		LeverageLadder:  cfg.LeverageLadder,
		OrdersPerSec:    cfg.RateLimitOrdersPerSec,
		OrdersBurst:     cfg.RateLimitOrdersBurst,
		CancelsPerSec:   cfg.RateLimitCancelsPerSec,
		CancelsBurst:    cfg.RateLimitCancelsBurst,
	}, v, log.Logger)

	tolerance := cfg.UnitSize.Div(decimal.NewFromInt(2))
	auditor := audit.New(symbol, v, mgr, tolerance, log.Logger)
	cycleCtl := cycle.New(symbol, v, v, log.Logger)

	return engine.New(engine.Config{
		Symbol:             symbol,
		OperatingRangeLow:  cfg.OperatingRangeLow,
		OperatingRangeHigh: cfg.OperatingRangeHigh,
		AuditInterval:      cfg.AuditInterval,
		AuditFollowUp:      cfg.AuditFollowUp,
		DataGapUnits:       cfg.DataGapUnits,
	}, engine.Deps{
		OrderManager: mgr,
		Auditor:      auditor,
		CycleCtl:     cycleCtl,
		Store:        store,
		Notifier:     notifier,
	}, log.Logger)
}

func runTrade(cfg *config.Config, args []string) error {
	symbol := cfg.Symbol
	notional := cfg.PositionNotional
	unitSize := cfg.UnitSize
	leverage := cfg.Leverage

	positional := make([]string, 0, 3)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--leverage":
			i++
			if i >= len(args) {
				return fmt.Errorf("--leverage requires a value")
			}
			lev, err := strconv.Atoi(args[i])
			if err != nil {
				return fmt.Errorf("invalid --leverage value %q: %w", args[i], err)
			}
			leverage = lev
		case "--testnet":
			cfg.Testnet = true
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) > 0 {
		symbol = positional[0]
	}
	if len(positional) > 1 {
		n, err := decimal.NewFromString(positional[1])
		if err != nil {
			return fmt.Errorf("invalid POSITION_NOTIONAL %q: %w", positional[1], err)
		}
		notional = n
	}
	if len(positional) > 2 {
		u, err := decimal.NewFromString(positional[2])
		if err != nil {
			return fmt.Errorf("invalid UNIT_SIZE %q: %w", positional[2], err)
		}
		unitSize = u
	}

	v := buildVenue(cfg)
	store, err := persist.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, log.Logger)
	if err != nil {
		return fmt.Errorf("build telegram notifier: %w", err)
	}

	e := buildEngine(cfg, symbol, v, store, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if snap, ok, err := store.Load(symbol); err != nil {
		return fmt.Errorf("check for prior snapshot: %w", err)
	} else if ok {
		log.Info().Str("symbol", symbol).Msg("prior snapshot found, rehydrating and scheduling an immediate audit")
		if err := e.Rehydrate(snap); err != nil {
			return fmt.Errorf("rehydrate from snapshot: %w", err)
		}
		// Reconcile against venue truth before trusting the rehydrated window,
		// per the crash-recovery path: an immediate audit pass precedes
		// resuming normal event processing.
		e.Enqueue(engine.Event{Kind: engine.EventAuditTimer})
	} else {
		entryPrice, err := v.MarkPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("read mark price: %w", err)
		}
		if err := v.OpenMarketPosition(ctx, symbol, notional); err != nil {
			return fmt.Errorf("open initial market position: %w", err)
		}
		if err := e.Start(ctx, entryPrice, unitSize, notional, leverage); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	stream := venue.NewStream(cfg.VenueWSURL, symbol, log.Logger)
	stream.Start()
	defer stream.Stop()

	go pumpTrades(ctx, e, stream)
	go pumpFills(ctx, e, stream)
	go pumpAuditTimer(ctx, e, cfg.AuditInterval)

	log.Info().Str("symbol", symbol).Str("unit_size", unitSize.String()).Int("leverage", leverage).Bool("testnet", cfg.Testnet).Msg("grid engine running")

	// Run on its own context so a shutdown signal goes through Stop, which
	// cancels live orders and persists a final snapshot before exiting.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(runCtx) }()
	select {
	case err := <-runDone:
		return err
	case <-ctx.Done():
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	return e.Stop(stopCtx)
}

func pumpTrades(ctx context.Context, e *engine.Engine, s *venue.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-s.Trades():
			if !ok {
				return
			}
			e.Enqueue(engine.Event{Kind: engine.EventPriceTick, Price: t.Price})
		}
	}
}

func pumpFills(ctx context.Context, e *engine.Engine, s *venue.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.Fills():
			if !ok {
				return
			}
			e.Enqueue(engine.Event{Kind: engine.EventFill, Fill: fills.Event{
				OrderID:   f.OrderID,
				Price:     f.Price,
				Size:      f.Size,
				Timestamp: f.Timestamp,
			}})
		}
	}
}

func pumpAuditTimer(ctx context.Context, e *engine.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Enqueue(engine.Event{Kind: engine.EventAuditTimer})
		}
	}
}

func runStatus(cfg *config.Config, args []string) error {
	symbol := cfg.Symbol
	if len(args) > 0 {
		symbol = args[0]
	}
	store, err := persist.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	snap, ok, err := store.Load(symbol)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		fmt.Printf("%s: no snapshot on record (never started, or store at a different path)\n", symbol)
		return nil
	}
	fmt.Printf("%s  cycle=%d  phase=%s  unit=%d  entry=%s  growth=%s\n",
		symbol, snap.CycleIndex, snap.Phase, snap.CurrentUnit, snap.EntryPrice, snap.CumulativeGrowth)
	fmt.Printf("  trailing_stop=%s  trailing_buy=%s\n", snap.TrailingStop, snap.TrailingBuy)
	return nil
}

func runClose(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("close requires SYMBOL")
	}
	symbol := args[0]
	v := buildVenue(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
	defer cancel()
	if err := v.CancelAll(ctx, symbol); err != nil {
		return fmt.Errorf("cancel all live orders: %w", err)
	}
	log.Info().Str("symbol", symbol).Msg("cancelled all live orders; close the venue position manually if still open")
	return nil
}
