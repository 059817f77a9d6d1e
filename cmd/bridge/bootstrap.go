package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"broker-bridge/internal/broker/brokerobs"
	"broker-bridge/internal/broker/paper"
	"broker-bridge/internal/broker/zerodha"
	"broker-bridge/internal/engine"
	"broker-bridge/internal/engine/engineobs"
	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/statestore"
	"broker-bridge/internal/store"
	"broker-bridge/internal/strategy"
	"broker-bridge/internal/trace"
	"broker-bridge/internal/tradelog"
	"broker-bridge/internal/types"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	exitOK = iota
	exitFailure
	exitConfig
)

// initializeSystem initializes logger and tracer
func initializeSystem() error {
	// Load environment variables
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func shutdownSystem(ctx context.Context) {
	if err := trace.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to flush tracer: %v\n", err)
	}
	_ = logger.Close()
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	path := store.Path()
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	logger.Info(ctx, "Config loaded", "path", path, "mode", cfg.Mode, "symbols", cfg.Symbols)
	return cfg, nil
}

// openJournal creates the trade journal and compresses old day files.
func openJournal(ctx context.Context, cfg *store.Config) *tradelog.Journal {
	journal := tradelog.New(cfg.Storage.TradeLogDir)

	days := cfg.Storage.RetentionDays
	if v := os.Getenv("TRADER_LOG_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Warn(ctx, "Ignoring invalid TRADER_LOG_RETENTION_DAYS", "value", v)
		} else {
			days = n
		}
	}
	if days > 0 {
		if err := journal.CompressOlder(days); err != nil {
			logger.Warn(ctx, "Failed to compress old logs", "error", err)
		}
	}
	return journal
}

// initializeBroker picks the venue for the mode and wraps it with
// observability middleware.
func initializeBroker(ctx context.Context, cfg *store.Config) interfaces.Broker {
	var brk interfaces.Broker
	if cfg.Mode == store.ModeDryRun {
		logger.Warn(ctx, "Running in DRY_RUN mode - orders are filled by the paper broker")
		brk = paper.New(paperConfig(cfg))
	} else {
		logger.Info(ctx, "Running in LIVE mode", "exchange", cfg.Exchange, "product", cfg.Product)
		brk = zerodha.New(zerodha.Params{
			Exchange:     cfg.Exchange,
			Product:      cfg.Product,
			Symbols:      cfg.Symbols,
			OrdersPerSec: cfg.Broker.OrdersPerSec,
			TickBuffer:   cfg.Broker.TickBuffer,
			Deviation:    cfg.Broker.Deviation,
		})
	}
	return brokerobs.Wrap(brk)
}

func paperConfig(cfg *store.Config) paper.Config {
	pc := paper.Config{
		StartPrices: make(map[string]decimal.Decimal, len(cfg.Symbols)),
		Spread:      decimal.NewFromFloat(cfg.Paper.Spread),
		TickEvery:   cfg.Paper.TickEvery,
		StepPct:     cfg.Paper.StepPct,
		FeeRate:     decimal.NewFromFloat(cfg.Paper.FeeRate),
		Seed:        cfg.Paper.Seed,
	}
	for _, sym := range cfg.Symbols {
		limits := cfg.Instruments[sym]
		in := types.Instrument{
			Symbol:    sym,
			Exchange:  "PAPER",
			MinQty:    decimal.NewFromInt(1),
			QtyStep:   decimal.NewFromInt(1),
			MaxQty:    decimal.NewFromFloat(limits.MaxQty),
			TickSize:  decimal.NewFromFloat(0.05),
			Tradeable: true,
		}
		if limits.MinQty > 0 {
			in.MinQty = decimal.NewFromFloat(limits.MinQty)
		}
		if limits.QtyStep > 0 {
			in.QtyStep = decimal.NewFromFloat(limits.QtyStep)
		}
		pc.Instruments = append(pc.Instruments, in)

		start := limits.StartPrice
		if start <= 0 {
			start = 100
		}
		pc.StartPrices[sym] = decimal.NewFromFloat(start)
	}
	return pc
}

func initializeStrategy(cfg *store.Config) interfaces.Strategy {
	if cfg.Strategy.Name == store.StrategySMACross {
		return strategy.NewSMACross(cfg.Strategy.Fast, cfg.Strategy.Slow, decimal.NewFromFloat(cfg.Strategy.Qty))
	}
	return strategy.NewHold()
}

// initializeEngine builds the bridge and wraps it with observability
// middleware.
func initializeEngine(cfg *store.Config, brk interfaces.Broker, st *statestore.Store, journal *tradelog.Journal) (interfaces.Engine, error) {
	eng, err := engine.New(cfg, brk, initializeStrategy(cfg), st, journal)
	if err != nil {
		return nil, err
	}
	return engineobs.Wrap(eng), nil
}

// exitCode maps a startup or run error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cfgErr *types.ConfigurationError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailure
}
