package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broker-bridge/internal/eod"
	"broker-bridge/internal/eod/eodobs"
	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/statestore"
)

// shutdownSlack is added to the flatten timeout for cancels and logout.
const shutdownSlack = 15 * time.Second

const eodCheckEvery = 60 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	if err := initializeSystem(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer shutdownSystem(context.Background())

	ctx := context.Background()
	cfg, err := loadConfig(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}

	st, err := statestore.Open(cfg.Storage.StatePath)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to open state store", err, "path", cfg.Storage.StatePath)
		return exitFailure
	}
	defer st.Close()

	journal := openJournal(ctx, cfg)
	brk := initializeBroker(ctx, cfg)

	eng, err := initializeEngine(cfg, brk, st, journal)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to build bridge", err)
		return exitCode(err)
	}

	summarizer := eodobs.Wrap(eod.NewSummarizer(cfg.Storage.TradeLogDir, 0))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	eodDone := make(chan struct{})
	go func() {
		defer close(eodDone)
		runEod(runCtx, summarizer)
	}()
	runErr := eng.Run(runCtx)
	stop()
	<-eodDone
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
	} else {
		logger.Info(ctx, "Shutting down...")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Reconcile.FlattenTimeout+shutdownSlack)
	defer cancel()
	rep, flatErr := eng.Shutdown(sctx)
	if flatErr != nil {
		fmt.Fprintf(os.Stderr, "flatten incomplete: residual=%d timed_out=%t: %v\n", rep.Residual, rep.TimedOut, flatErr)
		if runErr == nil {
			return exitFailure
		}
	}
	_, _ = summarizer.SummarizeToday(context.Background())
	return exitCode(runErr)
}

// runEod writes the day's summary once the close has passed.
func runEod(ctx context.Context, summarizer interfaces.EodSummarizer) {
	tick := time.NewTicker(eodCheckEvery)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if ok, _ := summarizer.ShouldRunNow(); ok {
				_, _ = summarizer.SummarizeToday(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}
