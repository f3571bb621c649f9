package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"courier/api/internal/app"
	"courier/api/internal/auth"
	"courier/api/internal/config"
	"courier/api/internal/realtime"
	"courier/api/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("COURIER_CONFIG"), "path to a YAML config file")
	migrateOnly := pflag.Bool("migrate-only", false, "apply database migrations and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("store setup failed")
	}
	defer closeStore()
	if *migrateOnly {
		logger.Info("migrations applied")
		return
	}

	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("realtime bus setup failed")
	}
	defer bus.Close()

	service := app.New(cfg, dataStore, bus, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := service.Close(flushCtx); err != nil {
			logger.WithError(err).Warn("dropped queued realtime events on shutdown")
		}
	}()
	httpServer := app.NewHTTPServer(service, auth.NewTokenProvider(cfg.JWTSecret), cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithField("addr", cfg.Addr).Info("courier api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (app.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using the in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return nil, nil, err
	}
	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}

func openBus(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (realtime.Bus, error) {
	if cfg.RedisURL == "" {
		logger.Info("using the in-process event bus")
		return realtime.NewLocalBus(cfg.Realtime.BufferSize, logger), nil
	}
	logger.Info("using redis for realtime fan-out")
	return realtime.NewRedisBus(ctx, cfg.RedisURL, realtime.RedisOptions{
		Prefix:           cfg.Realtime.ChannelPrefix,
		PublishRetries:   cfg.Realtime.PublishRetries,
		ReconnectInitial: cfg.Realtime.ReconnectInitial,
		ReconnectMax:     cfg.Realtime.ReconnectMax,
	}, logger)
}
