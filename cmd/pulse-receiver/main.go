package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	dynamoadapter "github.com/couchcryptid/pulse-receiver/internal/adapter/dynamodb"
	httpadapter "github.com/couchcryptid/pulse-receiver/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/pulse-receiver/internal/adapter/kafka"
	"github.com/couchcryptid/pulse-receiver/internal/adapter/memory"
	natsadapter "github.com/couchcryptid/pulse-receiver/internal/adapter/nats"
	pgadapter "github.com/couchcryptid/pulse-receiver/internal/adapter/postgres"
	redisadapter "github.com/couchcryptid/pulse-receiver/internal/adapter/redis"
	"github.com/couchcryptid/pulse-receiver/internal/adapter/udp"
	"github.com/couchcryptid/pulse-receiver/internal/config"
	"github.com/couchcryptid/pulse-receiver/internal/observability"
	"github.com/couchcryptid/pulse-receiver/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if cfg.InvalidLogLevel != "" {
		logger.Warn("unrecognized LOGGING_LEVEL, using INFO", "value", cfg.InvalidLogLevel)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("receiver stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting pulse receiver",
		"sink", cfg.SinkBackend,
		"table", cfg.SinkTable,
		"logging_level", cfg.LogLevel,
		"max_threshold_pulse_value", cfg.MaxThresholdPulse,
		"min_threshold_pulse_value", cfg.MinThresholdPulse,
		"warn_max_pulse_value", cfg.WarnMaxPulse,
		"warn_min_pulse_value", cfg.WarnMinPulse,
	)
	thresholds := cfg.Thresholds()
	if err := thresholds.Validate(); err != nil {
		logger.Warn("pulse thresholds are out of order, classification may be surprising", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	sink, closeSink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s sink: %w", cfg.SinkBackend, err)
	}
	defer func() {
		if err := closeSink(); err != nil {
			logger.Error("sink close error", "sink", cfg.SinkBackend, "error", err)
		}
	}()

	listener, err := udp.Listen(cfg.UDPAddr, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	p := pipeline.New(listener, sink, thresholds,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithBufferSize(cfg.MaxDatagramSize),
		pipeline.WithWorkers(cfg.Workers, cfg.QueueSize),
		pipeline.WithPersistTimeout(cfg.PersistTimeout),
	)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, p, logger)

	g, gctx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Start ingest loop.
	g.Go(func() error {
		return p.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// openSink builds the configured backend. The returned close function
// releases whatever the backend holds open.
func openSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Sink, func() error, error) {
	noop := func() error { return nil }

	switch cfg.SinkBackend {
	case config.SinkDynamoDB:
		s, err := dynamoadapter.New(ctx, cfg.AWSRegion, cfg.DynamoDBEndpoint, cfg.SinkTable)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case config.SinkPostgres:
		db, err := pgadapter.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		s := pgadapter.NewSink(db, cfg.SinkTable)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil

	case config.SinkRedis:
		client, err := redisadapter.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return redisadapter.NewSink(client, cfg.SinkTable), client.Close, nil

	case config.SinkNATS:
		s, _, err := natsadapter.Open(ctx, cfg.NATSURL, cfg.SinkTable, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.SinkKafka:
		w := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.SinkTable)
		return w, w.Close, nil

	case config.SinkMemory:
		logger.Warn("memory sink selected, readings are not durable")
		return memory.NewStore(), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown sink backend %q", cfg.SinkBackend)
	}
}
