package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/bootstrap"
	"github.com/BrandonDHaskell/Limen/server/internal/config"
	"github.com/BrandonDHaskell/Limen/server/internal/doorlock"
	"github.com/BrandonDHaskell/Limen/server/internal/logging"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to a YAML config file (overrides LIMEN_CONFIG)")
	device := flag.StringP("device", "d", "", "device name to listen for (overrides LIMEN_DEVICE_NAME)")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *device != "" {
		cfg.Door.DeviceName = *device
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	sub, err := bootstrap.NewSubscriber(cfg.PubSub)
	if err != nil {
		logger.Fatal("subscriber", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := doorlock.NewAgent(sub, doorlock.LogActuator{Logger: logger}, doorlock.AgentConfig{
		DeviceName:     cfg.Door.DeviceName,
		UnlockDuration: cfg.Door.UnlockDuration,
	}, logger)
	agent.Start(ctx)

	<-ctx.Done()
	agent.Stop()
}
