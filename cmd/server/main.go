package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/app"
	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/logger"
)

func main() {
	cfg := config.Load()

	lg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", zap.Error(err))
	}
	if err := a.Run(ctx); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
	lg.Info("server stopped")
}
