// Command deribitclient wires the messaging core end-to-end: it connects
// to Deribit, authenticates if credentials are configured, subscribes to
// one index channel, and serves /health and /metrics until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/deribit/ws-core/internal/config"
	"github.com/deribit/ws-core/internal/deribit"
	"github.com/deribit/ws-core/internal/dispatch"
	"github.com/deribit/ws-core/internal/historical"
	"github.com/deribit/ws-core/internal/logging"
	"github.com/deribit/ws-core/internal/obsmetrics"
	"github.com/deribit/ws-core/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	cfg.LogFields(logger)

	registry := obsmetrics.NewRegistry()

	client := deribit.New(deribit.Config{
		Transport: transport.Config{Testnet: cfg.Testnet},
		Credentials: deribit.Credentials{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		},
		InboundQueueSize:  cfg.InboundQueueSize,
		OutboundQueueSize: cfg.OutboundQueueSize,
		RateMaxTokens:     cfg.RateLimitMaxTokens,
		RateRefillRate:    cfg.RateLimitRefillRate,
		Logger:            logger,
	})

	registry.BindDispatcher(dispatchStatsAdapter{client.Dispatcher()})
	registry.BindClient(clientStatsAdapter{client})

	if err := client.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("connect failed")
	}
	registry.SetConnected(true)
	defer func() {
		_ = client.Close()
		registry.SetConnected(false)
	}()

	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		if err := client.Authenticate(); err != nil {
			logger.Error().Err(err).Msg("authentication failed, continuing unauthenticated")
		} else {
			logger.Info().Msg("authenticated")
		}
	}

	client.Subscribe("deribit_price_index.btc_usd", func(pm *dispatch.ParsedMessage) {
		logger.Debug().Str("channel", pm.Channel).RawJSON("data", pm.Data).Msg("subscription update")
	})

	go fetchRecentCandles(client, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg.MetricsAddr, registry, logger.With().Str("component", "http").Logger())
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
	}
}

// dispatchStatsAdapter bridges dispatch.Dispatcher's Stats() into
// obsmetrics.DispatchStatsSource without obsmetrics importing dispatch.
type dispatchStatsAdapter struct {
	d *dispatch.Dispatcher
}

func (a dispatchStatsAdapter) Stats() obsmetrics.DispatchStats {
	s := a.d.Stats()
	return obsmetrics.DispatchStats{
		RPCOK:         s.RPCOK,
		RPCError:      s.RPCError,
		Subscriptions: s.Subscriptions,
		Ignored:       s.Ignored,
		ParseErrors:   s.ParseErrors,
		UnroutedRPC:   s.UnroutedRPC,
		UnroutedSub:   s.UnroutedSub,
	}
}

// clientStatsAdapter bridges deribit.Client's Stats() into
// obsmetrics.ClientStatsSource without obsmetrics importing deribit.
type clientStatsAdapter struct {
	c *deribit.Client
}

func (a clientStatsAdapter) Stats() obsmetrics.ClientStats {
	s := a.c.Stats()
	return obsmetrics.ClientStats{
		InboundDropped:  s.InboundDropped,
		OutboundDropped: s.OutboundDropped,
		RateAdmitted:    s.RateAdmitted,
		RateDenied:      s.RateDenied,
		CallerTokens:    s.CallerTokens,
		SenderTokens:    s.SenderTokens,
	}
}

// fetchRecentCandles pulls the last 10 one-minute candles once at startup,
// purely to exercise the historical fetcher end-to-end in this demo; a
// real caller would call historical.FetchN on its own schedule.
func fetchRecentCandles(client *deribit.Client, registry *obsmetrics.Registry, logger zerolog.Logger) {
	candles, err := historical.FetchN(client, historical.Params{
		Instrument: "BTC-PERPETUAL",
		Resolution: "1",
		Count:      10,
		OnBatch: func(n int) {
			registry.HistoricalBatches.Inc()
			registry.HistoricalCandles.Add(float64(n))
		},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("historical candle fetch failed")
		return
	}
	logger.Info().Int("candles", len(candles)).Msg("fetched recent candles")
}

func runHTTPServer(ctx context.Context, addr string, registry *obsmetrics.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	mux.Handle("/metrics", registry.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics http server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics http server shutdown error")
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
