package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/bootstrap"
	"github.com/BrandonDHaskell/Limen/server/internal/config"
	"github.com/BrandonDHaskell/Limen/server/internal/db"
	"github.com/BrandonDHaskell/Limen/server/internal/httpapi"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/service"
	"github.com/BrandonDHaskell/Limen/server/internal/logging"
	"github.com/BrandonDHaskell/Limen/server/internal/notify"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to a YAML config file (overrides LIMEN_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("limen-server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores
	st, closeStore, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Env == "dev" && cfg.Store.Driver != "postgres" {
		if err := db.SeedDev(ctx, st, db.SeedDevOptions{DeviceSecret: cfg.DevDeviceSecret}); err != nil {
			return err
		}
		logger.Info("dev seed applied", zap.String("device", "front-door"))
	}

	// Transports and workers
	publisher, err := bootstrap.NewPublisher(cfg.PubSub)
	if err != nil {
		return err
	}
	mailer, err := bootstrap.NewMailer(cfg.Mail, logger)
	if err != nil {
		return err
	}
	queue, closeQueue := bootstrap.NewQueue(ctx, cfg.Queue, logger)
	defer closeQueue()
	limiter, closeLimiter := bootstrap.NewLimiter(ctx, cfg.RateLimit, logger)
	defer closeLimiter()

	dispatcher := notify.NewDispatcher(queue, mailer, notify.DispatcherConfig{
		MaxAttempts: cfg.Queue.MaxAttempts,
		CodeTTL:     cfg.Binding.CodeTTL,
	}, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Services
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:        logger,
		Addr:          cfg.HTTP.Addr,
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		BotToken:      cfg.Bot.Token,
		AdminToken:    cfg.HTTP.AdminToken,
		Authenticator: service.NewDeviceAuthenticator(st, logger),
		Decisions:     service.NewAccessDecisionEngine(st),
		Binding: service.NewBindingService(st, queue, limiter, service.BindingConfig{
			CodeTTL: cfg.Binding.CodeTTL,
		}, logger),
		Unlocker: service.NewUnlockDispatcher(st, publisher, service.UnlockConfig{
			PublishTimeout: cfg.PubSub.Timeout,
		}, logger),
		AccessLogs: st,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
