package engine

import (
	"broker-bridge/internal/ingest"
	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/reconcile"
	"broker-bridge/internal/risk"
	"broker-bridge/internal/session"
	"broker-bridge/internal/statestore"
	"broker-bridge/internal/store"
	"broker-bridge/internal/tradelog"

	"github.com/shopspring/decimal"
)

// New builds a bridge from configuration. st and journal may be nil.
func New(cfg *store.Config, brk interfaces.Broker, strat interfaces.Strategy, st *statestore.Store, journal *tradelog.Journal) (*Bridge, error) {
	deps := Deps{Broker: brk, Strategy: strat}
	if st != nil {
		deps.State = st
		deps.Fills = append(deps.Fills, st)
		deps.Events = append(deps.Events, st)
	}
	if journal != nil {
		deps.Fills = append(deps.Fills, journal)
		deps.Events = append(deps.Events, journal)
	}
	return NewBridge(OptionsFromConfig(cfg), deps)
}

// OptionsFromConfig maps the YAML configuration onto component options.
func OptionsFromConfig(cfg *store.Config) Options {
	opts := Options{
		Credentials: cfg.BrokerCredentials(),
		Symbols:     cfg.Symbols,
		Equity:      decimal.NewFromFloat(cfg.StartingEquity),
		BarInterval: cfg.Bars.Interval,
		HistorySize: cfg.Bars.HistorySize,
		Ingest: ingest.Config{
			PollInterval:  cfg.Ingest.PollInterval,
			PollTimeout:   cfg.Ingest.PollTimeout,
			MaxBatch:      cfg.Ingest.MaxBatch,
			Lookback:      cfg.Ingest.Lookback,
			MaxBackfill:   cfg.Ingest.MaxBackfill,
			SafetyMargin:  cfg.Ingest.SafetyMargin,
			StaleAfter:    cfg.Ingest.StaleAfter,
			FlushGrace:    cfg.Ingest.FlushGrace,
			BackoffMin:    cfg.Session.BackoffBase,
			BackoffMax:    cfg.Session.BackoffMax,
			BackoffFactor: cfg.Session.BackoffFactor,
		},
		Session: session.Options{
			ConnectTimeout:    cfg.Session.ConnectTimeout,
			HeartbeatInterval: cfg.Session.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Session.HeartbeatTimeout,
			MaxReconnects:     cfg.Session.MaxReconnects,
			BackoffMin:        cfg.Session.BackoffBase,
			BackoffMax:        cfg.Session.BackoffMax,
			BackoffFactor:     cfg.Session.BackoffFactor,
		},
		Limits: risk.Limits{
			MaxLeverage:       decimal.NewFromFloat(cfg.Risk.MaxLeverage),
			MaxSymbolNotional: decimal.NewFromFloat(cfg.Risk.MaxSymbolNotional),
			SymbolNotional:    make(map[string]decimal.Decimal),
			MaxDailyLossBps:   decimal.NewFromFloat(cfg.Risk.MaxDailyLossBps),
			MinSizePolicy:     risk.MinSizePolicy(cfg.Risk.MinSizePolicy),
		},
		Instruments: make(map[string]InstrumentOverride, len(cfg.Instruments)),
		Reconcile: reconcile.Options{
			FlattenTimeout: cfg.Reconcile.FlattenTimeout,
		},
	}
	for sym, in := range cfg.Instruments {
		opts.Instruments[sym] = InstrumentOverride{
			MinQty:  decimal.NewFromFloat(in.MinQty),
			QtyStep: decimal.NewFromFloat(in.QtyStep),
			MaxQty:  decimal.NewFromFloat(in.MaxQty),
		}
		if in.MaxNotional > 0 {
			opts.Limits.SymbolNotional[sym] = decimal.NewFromFloat(in.MaxNotional)
		}
	}
	return opts
}
