package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crashgenius/internal/app"
	"crashgenius/internal/config"
	"crashgenius/internal/observability"
	"crashgenius/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	cfgPath := os.Getenv("CG_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Dev.Mode)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		runServe(ctx, cfg, logger)
	case "worker":
		runWorker(ctx, cfg, logger)
	case "migrate":
		runMigrate(ctx, cfg, logger)
	case "mcp":
		runMCP(ctx, cfg, logger)
	default:
		usage()
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) {
	appInstance, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("app init error", zap.Error(err))
	}
	defer appInstance.Close()

	if err := appInstance.Serve(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runWorker(ctx context.Context, cfg config.Config, logger *zap.Logger) {
	appInstance, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("app init error", zap.Error(err))
	}
	defer appInstance.Close()

	if err := appInstance.RunWorker(ctx); err != nil {
		logger.Fatal("worker error", zap.Error(err))
	}
}

func runMCP(ctx context.Context, cfg config.Config, logger *zap.Logger) {
	appInstance, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("app init error", zap.Error(err))
	}
	defer appInstance.Close()

	if err := appInstance.RunMCP(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Fatal("mcp error", zap.Error(err))
	}
}

func runMigrate(ctx context.Context, cfg config.Config, logger *zap.Logger) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("store error", zap.Error(err))
	}
	defer st.Close()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		logger.Fatal("migration error", zap.Error(err))
	}
	logger.Info("migrations applied")
}

func usage() {
	fmt.Println("Usage: crashgeniusd <serve|worker|migrate|mcp>")
}
