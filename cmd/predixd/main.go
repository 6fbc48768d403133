package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"predix-engine/internal/cfg"
	"predix-engine/internal/engine"
	"predix-engine/internal/history"
	"predix-engine/internal/ledger"
	"predix-engine/internal/marketdata"
	"predix-engine/internal/metrics"
	"predix-engine/internal/ml"
	"predix-engine/internal/risk"
	"predix-engine/internal/server"
	"predix-engine/internal/storage"
)

func main() {
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	signer := initializeSigner(c)

	var roundLedger engine.RoundSubmitter
	if c.LedgerBaseURL != "" {
		operator := ""
		if signer != nil {
			operator = signer.Address()
		}
		roundLedger = ledger.NewClient(c.LedgerBaseURL, operator, c.RESTTimeout)
	} else {
		log.Warn().Msg("no ledger configured, rounds will not be registered")
	}

	restClient := marketdata.NewREST(c.MarketBaseURL, c.RESTTimeout)
	provider, err := marketdata.NewProvider(restClient, c.Symbol, c.Interval(), c.SequenceLength, c.FeatureCount)
	if err != nil {
		log.Fatal().Err(err).Msg("market data provider init failed")
	}

	classifier, err := ml.New(c.ModelPath, mw, c.RESTTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("classifier init failed")
	}

	riskState := risk.New(risk.Config{
		MaxConsecutiveLosses:   c.MaxConsecutiveLosses,
		EmergencyStopThreshold: c.EmergencyStopThreshold,
		RecoveryAccuracy:       c.ConfidenceThreshold,
	})

	deps := engine.Deps{
		Provider: provider,
		Classify: classifier,
		Ledger:   roundLedger,
		Risk:     riskState,
		History:  history.NewRing(history.DefaultCapacity),
		Metrics:  mw,
	}
	if signer != nil {
		deps.Signer = signer
	}
	if store != nil {
		deps.Store = store
	}

	e, err := engine.New(engine.Config{
		SequenceLength:      c.SequenceLength,
		FeatureCount:        c.FeatureCount,
		ConfidenceThreshold: c.ConfidenceThreshold,
	}, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}

	var wg sync.WaitGroup
	startMetricsServer(ctx, c)
	startTickStream(ctx, &wg, c, m)
	startPredictionLoop(ctx, &wg, c, e)

	api := server.New(e, fmt.Sprintf(":%d", c.APIPort), c.APIToken)
	go func() {
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown failed")
		}
	}()

	waitForShutdown(ctx, cancel, &wg)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// initializeStorage opens persistence if DATA_PATH is configured.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// initializeSigner loads the operator identity. Without a seed the engine
// runs with degraded attestation only.
func initializeSigner(c cfg.Settings) *ledger.Signer {
	if c.SignerSeed == "" {
		log.Warn().Msg("no signer seed configured, attestations will be degraded")
		return nil
	}
	signer, err := ledger.NewSigner(c.SignerSeed)
	if err != nil {
		log.Fatal().Err(err).Msg("signer init failed")
	}
	log.Info().Str("operator", signer.Address()).Msg("operator identity loaded")
	return signer
}

// startMetricsServer serves Prometheus metrics and the liveness probe.
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// startTickStream keeps the live tick subscription running for feed health
// monitoring. Candles drive the prediction cycle; ticks only feed metrics.
func startTickStream(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, m *metrics.Metrics) {
	ticks := make(chan marketdata.Tick, 64)
	errs := make(chan error, 32)
	ws := marketdata.NewWS(c.MarketWsURL)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Stream(ctx, c.Symbol, ticks, errs, c.Ping); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("tick stream ended")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				m.TicksReceived.Inc()
			case err := <-errs:
				log.Warn().Err(err).Msg("tick stream error")
				m.WSReconnects.Inc()
			}
		}
	}()
}

// startPredictionLoop drives the cycle on the configured interval. One
// immediate run at startup, then the ticker.
func startPredictionLoop(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, e *engine.Engine) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		runCycle(ctx, c, e)

		ticker := time.NewTicker(c.PredictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCycle(ctx, c, e)
			}
		}
	}()
}

func runCycle(ctx context.Context, c cfg.Settings, e *engine.Engine) {
	cycleCtx, cancel := context.WithTimeout(ctx, c.PredictionInterval)
	defer cancel()
	if _, err := e.GeneratePrediction(cycleCtx); err != nil {
		log.Error().Err(err).Msg("prediction cycle failed")
	}
}

// waitForShutdown blocks until a signal arrives, then stops everything.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
