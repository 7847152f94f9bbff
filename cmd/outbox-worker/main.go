package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/commodex/backoffice/internal/broker"
	"github.com/commodex/backoffice/internal/config"
	"github.com/commodex/backoffice/internal/metrics"
	"github.com/commodex/backoffice/internal/ops"
	"github.com/commodex/backoffice/internal/outbox"
	"github.com/commodex/backoffice/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to worker config YAML")
	flag.Parse()

	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// configure zerolog console output and level
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dbCfg := config.DBConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("create database pool")
	}
	defer pool.Close()
	if err := pool.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}
	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")

	store := outbox.NewPostgresStore(pool)

	// Broker: JetStream when configured, local in-memory otherwise.
	var (
		publisher broker.Publisher
		brokerUp  func() bool
	)
	if cfg.Broker.NATSURL != "" {
		jsCfg := broker.DefaultJetStreamConfig()
		jsCfg.URL = cfg.Broker.NATSURL
		jsCfg.MaxAge = cfg.Broker.MaxAge
		jsCfg.Replicas = cfg.Broker.Replicas
		jsCfg.DuplicateWindow = cfg.Broker.DuplicateWindow

		js, err := broker.Connect(jsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("connect to broker")
		}
		defer js.Close()
		publisher = js
		brokerUp = js.Conn().IsConnected
		log.Info().Str("url", jsCfg.URL).Msg("connected to JetStream")
	} else {
		publisher = broker.NewLocalPublisher()
		log.Warn().Msg("no broker configured, using local in-memory publisher")
	}

	// Delivery path: stream fan-out when enabled, direct topic publish otherwise.
	var delivery outbox.Delivery
	if cfg.Router.Enabled {
		delivery = stream.NewRouter(publisher, stream.WithGlobalTopic(cfg.Router.GlobalTopic))
	} else {
		delivery = broker.TopicDelivery{Publisher: publisher}
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector(registry)

	dispatcherCfg := outbox.Config{
		PollInterval:   cfg.Dispatcher.PollInterval,
		BatchSize:      cfg.Dispatcher.BatchSize,
		PublishTimeout: cfg.Dispatcher.PublishTimeout,
		StaleAfter:     cfg.Dispatcher.StaleAfter,
	}
	dispatcher := outbox.NewDispatcher(store, delivery, dispatcherCfg, outbox.WithMetrics(collector))

	sweeper := outbox.NewSweeper(store, outbox.SweeperConfig{
		Interval:      cfg.Sweeper.Interval,
		RetentionDays: cfg.Sweeper.RetentionDays,
	}, nil)

	feed := ops.NewFeed()
	health := ops.NewHealthChecker(pool, store, dispatcher, brokerUp)
	opsServer := ops.NewServer(cfg.Ops.Addr, store, health, feed, registry)

	// signal-aware context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live ops feed tails the global catch-all topic.
	if js, ok := publisher.(*broker.JetStreamPublisher); ok && cfg.Router.Enabled {
		sub, err := broker.NewSubscriber(js, broker.DefaultSubscriberConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("create feed subscriber")
		}
		defer sub.Close()
		sub.RegisterCatchAll(feed.Handler())
		if err := sub.Subscribe(ctx, "ops-feed", cfg.Router.GlobalTopic); err != nil {
			log.Warn().Err(err).Msg("could not subscribe ops feed; continuing without live tail")
		}
	}

	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start dispatcher")
	}
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start sweeper")
	}

	if cfg.Listener.Enabled {
		listenerCfg := outbox.DefaultWakeListenerConfig()
		listenerCfg.DatabaseURL = dbCfg.DSN()
		listenerCfg.Channel = cfg.Listener.Channel

		listener, err := outbox.NewWakeListener(listenerCfg, dispatcher)
		if err != nil {
			log.Fatal().Err(err).Msg("create wake listener")
		}
		go func() {
			if err := listener.Start(ctx); err != nil {
				log.Error().Err(err).Msg("wake listener exited")
			}
		}()
	}

	opsErr := make(chan error, 1)
	go func() { opsErr <- opsServer.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-opsErr:
		log.Error().Err(err).Msg("ops server exited unexpectedly")
	}

	// Let the in-flight batch finish, then stop everything in dependency order.
	if err := dispatcher.Stop(); err != nil {
		log.Error().Err(err).Msg("stop dispatcher")
	}
	if err := sweeper.Stop(); err != nil {
		log.Error().Err(err).Msg("stop sweeper")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown ops server")
	}

	log.Info().Msg("graceful shutdown complete")
}
