package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/relaypad/relaypad/internal/broker"
	"github.com/relaypad/relaypad/internal/config"
	"github.com/relaypad/relaypad/internal/logging"
	"github.com/relaypad/relaypad/internal/metrics"
	"github.com/relaypad/relaypad/internal/pubsub"
	"github.com/relaypad/relaypad/internal/storage"
	"github.com/relaypad/relaypad/internal/transport"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		boot := logging.New(logging.Options{})
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	// Replication fabric per configuration. Memory keeps everything on one
	// node; NATS and Redis span a cluster.
	var fabric pubsub.PubSub
	switch cfg.PubSubBackend {
	case config.BackendNATS:
		fabric, err = pubsub.NewNATS(pubsub.NATSConfig{URL: cfg.NATSUrl}, logger)
	case config.BackendRedis:
		fabric, err = pubsub.NewRedis(context.Background(), pubsub.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	default:
		fabric = pubsub.NewMemory()
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.PubSubBackend).Msg("Failed to connect replication fabric")
	}

	store := storage.NewMemory()
	srv, err := broker.NewServer(broker.Options{
		GetStorage: func(context.Context, *broker.StorageRequest) (storage.DocumentStorage, error) {
			return store, nil
		},
		PubSub:               fabric,
		NodeID:               cfg.NodeID,
		SizeWarningThreshold: cfg.SizeWarningThreshold,
		SizeLimit:            cfg.SizeLimit,
		CleanupDelay:         cfg.CleanupDelay,
		DedupeTTL:            cfg.DedupeTTL,
		Logger:               logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create broker")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(registry)
	detach := collector.Observe(srv.Bus())
	defer detach()

	front, err := transport.NewServer(transport.Options{
		Addr:           cfg.Addr,
		Broker:         srv,
		Logger:         logger,
		MaxConnections: cfg.MaxConnections,
		ConnRate:       cfg.ConnRate,
		ConnBurst:      cfg.ConnBurst,
		WriteTimeout:   cfg.WriteTimeout,
		DrainTimeout:   cfg.DrainTimeout,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transport")
	}
	if err := front.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start transport")
	}

	logger.Info().
		Str("node_id", srv.NodeID()).
		Str("addr", cfg.Addr).
		Msg("Broker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	if err := front.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Transport shutdown error")
	}
	if err := srv.Dispose(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Broker dispose error")
	}
	if err := fabric.Close(); err != nil {
		logger.Error().Err(err).Msg("Fabric close error")
	}
}
