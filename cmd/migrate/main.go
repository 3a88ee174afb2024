// Job - creates or upgrades the settlement tables
package main

import (
	"context"
	"time"

	"github.com/goorm-sudo/raillo/settlement/internal/app"
	"github.com/goorm-sudo/raillo/settlement/internal/config"
	"github.com/goorm-sudo/raillo/settlement/internal/db"
	"go.uber.org/zap"
)

func main() {
	settings := config.Load()
	logger, err := app.NewLogger(settings.LogEnv)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dsn, err := config.PostgresDSN()
	if err != nil {
		logger.Fatal("Config error", zap.Error(err))
	}
	storage, err := db.NewDB(ctx, dsn, logger)
	if err != nil {
		logger.Fatal("Database connection failed", zap.Error(err))
	}
	defer storage.Close()

	if err = storage.Migrate(ctx); err != nil {
		logger.Error("Migration failed", zap.Error(err))
		return
	}
	logger.Info("Migration finished", zap.Int("statements", len(db.Migrations())))
}
