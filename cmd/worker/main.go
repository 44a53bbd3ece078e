package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2/google"

	"github.com/langchou/teskeeper/internal/api/handlers"
	"github.com/langchou/teskeeper/internal/api/pricing"
	"github.com/langchou/teskeeper/internal/api/scheduler"
	"github.com/langchou/teskeeper/internal/api/sheets"
	"github.com/langchou/teskeeper/internal/api/tesla"
	"github.com/langchou/teskeeper/internal/config"
	"github.com/langchou/teskeeper/internal/repository"
	"github.com/langchou/teskeeper/internal/secret"
	"github.com/langchou/teskeeper/internal/service"
	"github.com/langchou/teskeeper/internal/state"
	"github.com/langchou/teskeeper/internal/token"
	"github.com/langchou/teskeeper/pkg/geo"
	"github.com/langchou/teskeeper/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Teskeeper worker", zap.String("port", cfg.ServerPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("Failed to load timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 仓库
	caseRepo := repository.NewCaseRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	fingerprintRepo := repository.NewFingerprintRepository(db)

	// 秘密存储与令牌代理
	secretStore, err := secret.NewStore(cfg.VaultAddr, cfg.VaultToken, cfg.VaultPath)
	if err != nil {
		logger.Fatal("Failed to connect secret store", zap.Error(err))
	}
	broker := token.NewBroker(logger, secretStore, cfg.TeslaAuthHost, cfg.ClientID)

	// 车辆网关
	home := geo.Home{Latitude: cfg.HomeLatitude, Longitude: cfg.HomeLongitude, Radius: cfg.HomeRadius}
	gateway := tesla.NewClient(cfg.TeslaAPIHost, cfg.ProxyHost, cfg.ProxyPort, broker, home)

	vin, err := gateway.ResolveVIN(ctx, cfg.VIN)
	if err != nil {
		logger.Fatal("Failed to resolve VIN", zap.Error(err))
	}
	logger.Info("Vehicle resolved", zap.String("vin_suffix", vin[len(vin)-4:]))

	// 外部协作方客户端
	pricingClient := pricing.NewClient(cfg.PricingAPIURL, cfg.PricingAPIKey)
	sheetClient := sheets.NewClient(cfg.SheetURL, cfg.SheetServiceAccountKey)

	// 调度器 API 用 Worker 自身的平台默认凭证调用
	schedulerTokens, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		logger.Fatal("Failed to load scheduler credentials", zap.Error(err))
	}
	jobClient := scheduler.NewClient(cfg.ProjectID, cfg.Region, cfg.AuthAudience, schedulerTokens)

	// 诊断广播
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 服务装配
	machines := state.NewManager(func(sessionID, from, to string) {
		logger.Info("session transition",
			zap.String("session_id", sessionID),
			zap.String("from", from),
			zap.String("to", to))
	})
	reconciler := service.NewReconciler(logger, gateway, fingerprintRepo, home, location)
	worker := service.NewWorker(logger, cfg, gateway, pricingClient, reconciler, caseRepo, sessionRepo, fingerprintRepo, wsHub, location, vin)
	planner := service.NewPlanner(logger, cfg, gateway, sheetClient, jobClient, sessionRepo, machines, location, vin)
	sessionSvc := service.NewSessionService(logger, gateway, sessionRepo, jobClient, machines, wsHub, home, location, vin)

	handler := handlers.NewHandler(logger, broker, worker, planner, sessionSvc, wsHub, cfg.WorkerAuthToken)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Worker started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Worker exited")
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
