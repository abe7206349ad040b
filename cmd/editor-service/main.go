package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"layer-editor/config"
	"layer-editor/internal/broadcast"
	"layer-editor/internal/clock"
	"layer-editor/internal/collection"
	"layer-editor/internal/editor"
	"layer-editor/internal/history"
	"layer-editor/internal/store/boltstore"
	"layer-editor/internal/store/pgstore"
	"layer-editor/internal/store/sqlstore"
)

func main() {
	// Parse flags
	var (
		port    = flag.String("port", "", "Port to listen on (overrides config)")
		env     = flag.String("env", "", "Environment (dev, staging, prod)")
		cfgPath = flag.String("config", "", "Path to a JSON config file")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath, *env)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if *port != "" {
		cfg.Port = *port
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	versions, closeVersions, err := openVersions(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open version store")
	}
	defer closeVersions()

	items, closeItems, err := openItems(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open item repository")
	}
	defer closeItems()

	transport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("redis", cfg.RedisAddr).Msg("failed to connect relay backend")
	}
	defer transport.Close()

	// Initialize the editor service
	service := editor.NewService(&editor.Config{
		MaxMessageSize: cfg.MaxMessageSize,
		WriteTimeout:   cfg.WriteTimeout.Std(),
		ReadTimeout:    cfg.ReadTimeout.Std(),
		PingInterval:   cfg.PingInterval.Std(),
		MaxClients:     cfg.MaxClients,
		Versions:       versions,
		Items:          items,
		Transport:      transport,
		Logger:         logger,
	})
	if err := service.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start service")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("shutting down server")
		service.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Str("store", cfg.StoreDriver).
		Bool("redis", cfg.RedisAddr != "").
		Msg("editor service starting")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	level := zerolog.InfoLevel
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
		level = zerolog.DebugLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "editor").Logger()
}

func openVersions(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (history.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreBolt:
		s, err := boltstore.Open(cfg.BoltPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case config.StorePostgres:
		s, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return history.NewMemoryStore(), func() {}, nil
}

func openItems(ctx context.Context, cfg *config.Config) (collection.Repository, func(), error) {
	if cfg.DatabaseURL == "" {
		return collection.NewMemoryRepository(clock.Real()), func() {}, nil
	}
	r, err := sqlstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := r.Migrate(ctx); err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, func() { r.Close() }, nil
}

func openTransport(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (broadcast.Transport, error) {
	if cfg.RedisAddr == "" {
		return broadcast.NewMemoryTransport(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	var codec broadcast.Codec = broadcast.JSONCodec{}
	if cfg.RedisCodec == "cbor" {
		c, err := broadcast.NewCBORCodec()
		if err != nil {
			client.Close()
			return nil, err
		}
		codec = c
	}
	return broadcast.NewRedisTransport(client, codec, cfg.RedisPrefix, logger), nil
}
