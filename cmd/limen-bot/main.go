package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/chatgateway"
	"github.com/BrandonDHaskell/Limen/server/internal/config"
	"github.com/BrandonDHaskell/Limen/server/internal/logging"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to a YAML config file (overrides LIMEN_CONFIG)")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
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

	if cfg.Bot.TelegramToken == "" || cfg.Bot.Token == "" {
		logger.Fatal("LIMEN_TELEGRAM_TOKEN and LIMEN_BOT_TOKEN are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := chatgateway.NewClient(cfg.Bot.BackendURL, cfg.Bot.Token, cfg.Bot.Timeout)
	tg, err := chatgateway.NewTelegram(cfg.Bot.TelegramToken, chatgateway.NewRouter(backend, logger), logger)
	if err != nil {
		logger.Fatal("telegram login failed", zap.Error(err))
	}

	logger.Info("limen-bot started", zap.String("backend", cfg.Bot.BackendURL))
	if err := tg.Run(ctx); err != nil {
		logger.Error("limen-bot exited", zap.Error(err))
	}
}
