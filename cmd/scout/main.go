package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/teskeeper/internal/api/tesla"
	"github.com/langchou/teskeeper/internal/config"
	"github.com/langchou/teskeeper/internal/repository"
	"github.com/langchou/teskeeper/internal/secret"
	"github.com/langchou/teskeeper/internal/service"
	"github.com/langchou/teskeeper/pkg/geo"
)

// Scout 是单次调用进程：外部 cron 每 15 分钟拉起一次，
// 巡检完即退出，不持有任何长生命周期状态
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	if cfg.VIN == "" {
		logger.Fatal("VIN is required for scout")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	stateRepo := repository.NewScoutStateRepository(db)
	sessionRepo := repository.NewSessionRepository(db)

	// Scout 对秘密存储只读，刷新一律升级给 Worker
	secretStore, err := secret.NewStore(cfg.VaultAddr, cfg.VaultToken, cfg.VaultPath)
	if err != nil {
		logger.Fatal("Failed to connect secret store", zap.Error(err))
	}

	scout := service.NewScout(logger, secretStore, stateRepo, sessionRepo, cfg.WorkerURL, cfg.WorkerAuthToken, cfg.VIN)

	home := geo.Home{Latitude: cfg.HomeLatitude, Longitude: cfg.HomeLongitude, Radius: cfg.HomeRadius}
	// Scout 不下发签名命令，不配置代理
	gateway := tesla.NewClient(cfg.TeslaAPIHost, "", "", scout, home)
	scout.SetGateway(gateway)

	result, err := scout.Run(ctx)
	if err != nil {
		logger.Error("Scout run failed", zap.Error(err))
		os.Exit(1)
	}

	out, _ := json.Marshal(result)
	fmt.Println(string(out))
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}
