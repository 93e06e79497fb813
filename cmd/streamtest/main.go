// streamtest connects to the TradingView feed and streams quote and bar
// updates to the console.
// Usage: go run ./cmd/streamtest --config configs/streamtest.example.yaml
//
// Optional environment variables:
//
//	TV_AUTH_TOKEN - Session auth token; anonymous when unset
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/tvstream/internal/config"
	"github.com/rickgao/tvstream/internal/connection"
	"github.com/rickgao/tvstream/internal/dispatch"
	"github.com/rickgao/tvstream/internal/engine"
	"github.com/rickgao/tvstream/internal/logging"
	"github.com/rickgao/tvstream/internal/status"
	"github.com/rickgao/tvstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamtest.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full update JSON")
	flag.Parse()

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, logCloser := logging.New(cfg.Logging, os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting streamtest", "version", version.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	eng := engine.New(cfg.EngineConfig(version.UserAgent()), logger)
	eng.OnStateChange(func(from, to connection.State) {
		fmt.Printf("[STATE] %s -> %s\n", from, to)
	})

	// Sessions created before Connect are sent by the first replay
	if err := subscribe(eng, cfg, *verbose); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	logger.Info("connecting", "url", cfg.Feed.URL)
	if err := eng.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	if cfg.Status.Port > 0 {
		srv := status.New(cfg.Status.Port, eng, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	go drainErrors(ctx, eng.Errors(), logger)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := eng.Stats()
				logger.Info("stats",
					"state", s.Connection.State,
					"reconnects", s.Connection.Reconnects,
					"frames_in", s.Connection.FramesIn,
					"events_dropped", s.Connection.EventsDropped,
					"sessions_active", s.Sessions.Active,
					"subscriptions", s.Sessions.Subscriptions,
					"delivered", s.Dispatch.Delivered,
					"callback_errors", s.Dispatch.CallbackErrors,
					"provider_errors", s.Dispatch.ProviderErrors,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	logger.Info("shutdown complete")
}

func subscribe(eng *engine.Engine, cfg *config.Config, verbose bool) error {
	if len(cfg.Subscriptions.Symbols) > 0 {
		qs, err := eng.CreateQuoteSession()
		if err != nil {
			return fmt.Errorf("create quote session: %w", err)
		}
		for _, sym := range cfg.Subscriptions.Symbols {
			if err := eng.SubscribeSymbol(qs, sym, printQuote(verbose)); err != nil {
				return fmt.Errorf("subscribe %s: %w", sym, err)
			}
		}
	}

	specs := cfg.SeriesSpecs()
	if len(specs) > 0 {
		cs, err := eng.CreateChartSession()
		if err != nil {
			return fmt.Errorf("create chart session: %w", err)
		}
		for _, spec := range specs {
			if _, err := eng.SubscribeSeries(cs, spec, printSeries(verbose)); err != nil {
				return fmt.Errorf("subscribe series %s: %w", spec.Symbol, err)
			}
		}
	}
	return nil
}

func printQuote(verbose bool) engine.Callback {
	return func(u engine.Update) error {
		if verbose {
			data, _ := json.MarshalIndent(u.Quote.Delta, "", "  ")
			fmt.Printf("[QUOTE] %s %s\n", u.Symbol, data)
			return nil
		}
		snap := u.Quote.Snapshot
		lp, _ := snap.Decimal("lp")
		ch, _ := snap.Decimal("ch")
		fmt.Printf("[QUOTE] symbol=%s status=%s lp=%s ch=%s fields=%d\n",
			u.Symbol, u.Quote.Status, lp, ch, len(u.Quote.Delta))
		return nil
	}
}

func printSeries(verbose bool) engine.Callback {
	return func(u engine.Update) error {
		if len(u.Series.Bars) == 0 {
			return nil
		}
		last := u.Series.Bars[len(u.Series.Bars)-1]
		if verbose {
			data, _ := json.MarshalIndent(last, "", "  ")
			fmt.Printf("[BAR] %s %s\n", u.Key, data)
			return nil
		}
		fmt.Printf("[BAR] key=%s symbol=%s bars=%d window=%d time=%s o=%g h=%g l=%g c=%g v=%g\n",
			u.Key, u.Symbol, len(u.Series.Bars), len(u.Series.Window),
			last.Time.Format(time.RFC3339), last.Open, last.High, last.Low, last.Close, last.Volume)
		return nil
	}
}

func drainErrors(ctx context.Context, errs <-chan error, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			var cbErr *dispatch.CallbackError
			var provErr *dispatch.ProviderError
			var gapErr *dispatch.GapError
			switch {
			case errors.As(err, &cbErr):
				logger.Warn("callback failed", "session", cbErr.Handle.ID, "key", cbErr.Key, "error", err)
			case errors.As(err, &provErr):
				logger.Warn("provider error", "method", provErr.Event.Method, "error", err)
			case errors.As(err, &gapErr):
				logger.Warn("updates lost under backpressure", "dropped", gapErr.Dropped)
			default:
				logger.Warn("engine error", "error", err)
			}
		}
	}
}
