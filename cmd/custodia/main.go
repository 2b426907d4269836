package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/custodia/internal/asset"
	"github.com/Aidin1998/custodia/internal/config"
	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/identity"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/internal/scheduler"
	"github.com/Aidin1998/custodia/internal/server"
	"github.com/Aidin1998/custodia/internal/settlement"
	"github.com/Aidin1998/custodia/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := openDatabase(cfg)
	if err != nil {
		zapLogger.Fatal("failed to open database", zap.Error(err))
	}

	identitiesSvc := identity.NewService(zapLogger, db)
	portfoliosSvc := portfolio.NewService(zapLogger, db)
	assetsSvc := asset.NewService(zapLogger, db, portfoliosSvc)
	for name, migrate := range map[string]func() error{
		"identity":  identitiesSvc.Migrate,
		"portfolio": portfoliosSvc.Migrate,
		"asset":     assetsSvc.Migrate,
	} {
		if err := migrate(); err != nil {
			zapLogger.Fatal("migration failed", zap.String("service", name), zap.Error(err))
		}
	}

	bus := events.NewBus(zapLogger)
	clock := scheduler.NewClock(1)
	schedulerSvc := scheduler.NewService(zapLogger)

	settlementsSvc := settlement.NewService(
		zapLogger, db, bus, identitiesSvc, portfoliosSvc, assetsSvc, schedulerSvc, clock, cfg.Settlement)
	if err := settlementsSvc.Migrate(); err != nil {
		zapLogger.Fatal("migration failed", zap.String("service", "settlement"), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Block producer: advance the chain clock and run whatever settlement
	// work is due at the new height.
	go func() {
		ticker := time.NewTicker(cfg.Chain.BlockInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				height := clock.Advance()
				schedulerSvc.RunDue(ctx, height)
			}
		}
	}()

	srv := server.New(zapLogger, identitiesSvc, portfoliosSvc, assetsSvc, settlementsSvc)
	zapLogger.Info("custodia settlement engine starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("database", cfg.Database.Driver),
		zap.Duration("block_interval", cfg.Chain.BlockInterval))
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
		zapLogger.Fatal("server stopped", zap.Error(err))
	}
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Database.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.Database.DSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.Database.DSN), gormCfg)
	}
}
