package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/derivpulse/derivpulse/internal/alerts"
	"github.com/derivpulse/derivpulse/internal/cascade"
	"github.com/derivpulse/derivpulse/internal/config"
	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/httpapi"
	"github.com/derivpulse/derivpulse/internal/liq"
	"github.com/derivpulse/derivpulse/internal/metrics"
	"github.com/derivpulse/derivpulse/internal/oi"
	"github.com/derivpulse/derivpulse/internal/persistence"
	"github.com/derivpulse/derivpulse/internal/profile"
	"github.com/derivpulse/derivpulse/internal/threshold"
)

// defaultStreamSymbols seed the liquidation streams when no symbol list is
// configured.
var defaultStreamSymbols = []string{"BTC", "ETH", "SOL"}

func runServe(settings config.Settings, httpAddr string) error {
	ctx, cancel := signalContext()
	defer cancel()

	reg := metrics.New()
	store := config.NewStore(log.Logger)
	if len(settings.ConfigPaths) > 0 {
		reloader := config.NewReloader(store, settings.ConfigPaths, settings.ReloadInterval, log.Logger)
		reloader.OnError = reg.ConfigErrors.Inc
		if err := reloader.LoadOnce(); err != nil {
			return err
		}
		go reloader.Run(ctx.Done())
	}

	health := httpapi.NewHealthTracker(nil)
	registry := buildRegistry(func(venue string, degraded bool, failures int) {
		health.OnStreamHealth(venue, degraded, failures)
		if degraded {
			reg.StreamReconnects.WithLabelValues(venue).Inc()
		}
	})
	for _, venue := range registry.Names() {
		health.OnStreamHealth(venue, false, 0)
	}

	engine := threshold.New(store, nil, log.Logger)

	// Alert pipeline: log sink always; webhook, Redis, and the WebSocket hub
	// when configured.
	hub := httpapi.NewAlertHub(log.Logger)
	sinks := []alerts.Sink{alerts.LogSink{Log: log.Logger}, hub}
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, alerts.NewWebhookSink(url))
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		sinks = append(sinks, &alerts.RedisSink{Client: client})
	}
	dispatcher := alerts.NewDispatcher(alerts.Config{Metrics: reg}, sinks, log.Logger)
	go dispatcher.Run(ctx)

	detector := cascade.New(cascade.Config{}, func(symbol string) cascade.Refs {
		th := engine.For(symbol)
		return cascade.Refs{
			CascadeEventsPerSec: th.CascadeEventsPerSec,
			CascadeAccel:        th.CascadeAccel,
			CascadeUSDPerSec:    th.CascadeUSDPerSec,
			FundingExtreme:      th.FundingExtreme,
			OIChangePct:         th.OIChangePct,
		}
	}, func(sig cascade.Signal) {
		reg.CascadeTransitions.WithLabelValues(sig.Symbol, sig.Level.String(), sig.Kind).Inc()
		reg.CascadeProbability.WithLabelValues(sig.Symbol).Set(sig.Probability)
		dispatcher.Enqueue(alerts.FromCascadeSignal(sig))
	}, log.Logger)

	monitor := alerts.NewLiquidationMonitor(engine, dispatcher, log.Logger)
	handlers := []liq.Handler{detector.OnEvent, monitor.OnLiquidation}

	// Optional Postgres archive.
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		db, err := persistence.Open(ctx, persistence.Config{DSN: dsn})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := persistence.EnsureSchema(ctx, db); err != nil {
			return err
		}
		sink := persistence.NewSink(persistence.Config{DSN: dsn}, db, log.Logger)
		go sink.Run(ctx)
		handlers = append(handlers, func(rec domain.CompactLiquidation, meta domain.LiquidationMeta, symbol string) {
			sink.Record(persistence.RowFromRecord(rec, meta, symbol))
		})
		log.Info().Msg("liquidation archive enabled")
	}

	handlers = append(handlers, func(rec domain.CompactLiquidation, _ domain.LiquidationMeta, _ string) {
		reg.LiquidationsIngested.WithLabelValues(domain.ExchangeName(rec.ExchangeID)).Inc()
	})

	ingestor := liq.NewIngestor(registry, liq.Config{}, log.Logger, handlers...)
	symbols := settings.HyperliquidSymbols
	if len(symbols) == 0 {
		symbols = defaultStreamSymbols
	}
	if settings.ComponentEnabled("liquidation_ingestor") {
		go ingestor.Run(ctx, settings.LiquidationExchanges, symbols)
	}

	// Quiet-period easing and gauge upkeep.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var lastDropped uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				detector.Tick()
				reg.ConfigGeneration.Set(float64(store.Generation()))
				reg.AlertQueueDepth.Set(float64(dispatcher.Pending()))
				if d := ingestor.Dropped(); d > lastDropped {
					reg.LiquidationsDropped.WithLabelValues("floor").Add(float64(d - lastDropped))
					lastDropped = d
				}
			}
		}
	}()

	host, port, err := splitAddr(httpAddr)
	if err != nil {
		return err
	}
	srvCfg := httpapi.DefaultServerConfig()
	srvCfg.Host, srvCfg.Port = host, port

	aggregator := oi.New(registry, oi.Config{Metrics: reg}, log.Logger)
	profiles := profile.NewService(registry, log.Logger)
	server := httpapi.NewServer(srvCfg, aggregator, profiles, store, health, reg, hub, log.Logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
