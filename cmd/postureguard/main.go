package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"postureguard/internal/config"
	"postureguard/internal/logging"
	"postureguard/internal/web"
)

func main() {
	var configPath string
	var summaryPath string
	flag.StringVar(&configPath, "config", "./postureguard.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "summarize", "", "Print a summary of a recorded sensor log and exit")
	flag.Parse()

	if summaryPath != "" {
		if err := printLogSummary(os.Stdout, summaryPath); err != nil {
			fmt.Fprintf(os.Stderr, "summarize: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.New("info", "json", "postureguard", nil).Fatal("config load failed",
			zap.String("path", configPath), zap.Error(err))
	}

	logs := web.NewLogBuffer(2000)
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, "postureguard", logs)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newLiveRuntime(ctx, cfg, runtimeOptions{
		InstanceID: uuid.NewString(),
		Logs:       logs,
		Log:        logger,
	})
	if err != nil {
		logger.Fatal("runtime init failed", zap.Error(err))
	}
	defer rt.Close()

	logger.Info("postureguard starting",
		zap.String("config", configPath),
		zap.String("source", cfg.Source),
		zap.Int("sensors", len(cfg.Sensors)),
		zap.Duration("period", cfg.Monitor.Period),
		zap.Strings("sinks", rt.fanout.Sinks()),
		zap.String("web", cfg.Web.Listen),
	)

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runtime stopped", zap.Error(err))
	}
	logger.Info("postureguard stopping")
}
