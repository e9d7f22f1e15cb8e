package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"MarginRisk/internal/config"
	"MarginRisk/internal/core"
	"MarginRisk/internal/ingestion"
	"MarginRisk/internal/monitor"
	"MarginRisk/internal/observability"
	"MarginRisk/internal/persistence"
	"MarginRisk/internal/query"
	"MarginRisk/internal/server"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARGIN_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLoggerWithLevel("main", observability.ParseLevel(cfg.LogLevel))
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("MarginRisk failed")
	}
	log.Info().Msg("MarginRisk shutdown complete")
}

func run(cfg config.Config, log zerolog.Logger) error {
	log.Info().Str("store", cfg.Store.Driver).Bool("nats", cfg.NATS.Enabled).Msg("MarginRisk starting")

	// Ingress (servers, NATS consumers, monitor) stops on ctx; the
	// persistence worker drains after ingress has stopped.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Store ---
	dialect := cfg.Dialect()
	db, err := persistence.Open(ctx, dialect, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := persistence.NewMigrator(db, dialect).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("migrations applied")

	store := persistence.NewSQLStore(db, dialect)
	eventLog := persistence.NewEventLogReader(db, dialect)
	requestLog := persistence.NewRequestLog(db, dialect)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("store", store.Ping)

	// --- Engine ---
	persistChan := make(chan core.Output, cfg.Channels.Persist)
	var publishChan chan core.Output
	if cfg.NATS.Enabled {
		publishChan = make(chan core.Output, cfg.Channels.Publish)
	}
	engine := core.NewRiskEngine(store, cfg.EngineConfig(), persistChan, publishChan, metrics)

	// --- Recovery: continue the sequence and hash chain of the event log ---
	lastSeq, lastHash, found, err := eventLog.Latest(ctx)
	if err != nil {
		return fmt.Errorf("read event log head: %w", err)
	}
	if found {
		recent, err := requestLog.Recent(ctx, cfg.Engine.WarmRequests)
		if err != nil {
			return fmt.Errorf("load recent requests: %w", err)
		}
		engine.Resume(lastSeq, lastHash, recent)
		log.Info().Int64("sequence", lastSeq).Int("warmed", len(recent)).Msg("resumed from event log")
	} else {
		log.Info().Msg("empty event log, starting from genesis")
	}

	// --- Persistence worker ---
	persistWorker := persistence.NewPersistenceWorker(db, dialect, persistChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics)
	persistDone := make(chan error, 1)
	go func() {
		persistDone <- persistWorker.Run(context.Background())
	}()

	errChan := make(chan error, 8)
	var ingress sync.WaitGroup
	goIngress := func(name string, fn func() error) {
		ingress.Add(1)
		go func() {
			defer ingress.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// --- NATS ---
	var subscriber *ingestion.NATSSubscriber
	var publisherDone chan error
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", natsCheck(nc))

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		rawChan := make(chan ingestion.RawEvent, cfg.Channels.RawEvent)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		dispatcher := ingestion.NewDispatcher(engine, rawChan)
		goIngress("dispatcher", func() error { return dispatcher.Run(ctx) })

		publisher := ingestion.NewOutboundPublisher(js, publishChan)
		publisherDone = make(chan error, 1)
		go func() { publisherDone <- publisher.Run(context.Background()) }()
	}

	// --- Query + admin API ---
	var admin *ingestion.AdminIngestService
	if cfg.Server.AdminEnabled {
		admin = ingestion.NewAdminIngestService(engine, time.Now)
	}
	api := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Query:         query.NewQueryService(store, eventLog, time.Now, metrics),
		Admin:         admin,
		HealthChecker: healthChecker,
		RateLimit:     cfg.RateLimit(),
	})
	goIngress("grpc", func() error { return api.StartGRPC(ctx) })
	goIngress("http", func() error { return api.StartHTTPGateway(ctx) })

	// --- Liquidation monitor ---
	mon := monitor.New(store, engine, requestLog, cfg.MonitorConfig(), metrics)
	if err := mon.Start(ctx); err != nil {
		return err
	}

	// --- Metrics ---
	goIngress("metrics", func() error { return serveMetrics(ctx, cfg.Server.MetricsAddr, log) })
	goIngress("channels", func() error {
		sampleChannels(ctx, metrics, persistChan, publishChan)
		return nil
	})

	healthChecker.SetReady(true)
	api.SetServing(true)
	log.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("MarginRisk ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown: stop ingress, then drain outputs ---
	healthChecker.SetReady(false)
	api.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	mon.Stop()
	ingress.Wait()

	close(persistChan)
	if publishChan != nil {
		close(publishChan)
	}

	timeout := time.After(30 * time.Second)
	select {
	case err := <-persistDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("persistence worker")
		}
	case <-timeout:
		log.Error().Msg("persistence drain timed out")
	}
	if publisherDone != nil {
		select {
		case <-publisherDone:
		case <-timeout:
		}
	}
	return runErr
}

func natsCheck(nc *nats.Conn) observability.ReadinessCheck {
	return func(context.Context) error {
		if nc.IsConnected() {
			return nil
		}
		return fmt.Errorf("nats status %s", nc.Status())
	}
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func sampleChannels(ctx context.Context, m *observability.Metrics, persist, publish chan core.Output) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetChannelMetrics("persist", len(persist), cap(persist))
			if publish != nil {
				m.SetChannelMetrics("publish", len(publish), cap(publish))
			}
		}
	}
}
