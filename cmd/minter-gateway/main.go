package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"btc-minter/internal/gateway"
	"btc-minter/pkg/config"
	"btc-minter/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	// 1. Init Config & Logger
	config.Init()
	logger.Init(config.Global.App.Env)
	defer logger.Sync()
	cfg := config.Global.Gateway

	logger.Info("Starting Minter Gateway...", zap.String("port", cfg.HttpPort))

	// 2. 连接 minter gRPC
	// 生产环境使用服务发现 (K8s Service Name)
	conn, err := grpc.NewClient(cfg.MinterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal("Failed to connect to Minter Service", zap.Error(err))
	}
	defer conn.Close()
	logger.Info("Minter Service target", zap.String("addr", cfg.MinterAddr))

	// 3. Init HTTP Server (Gin)
	if config.Global.App.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP", "service": "minter-gateway"})
	})
	gateway.RegisterRoutes(r, conn, cfg.RequestTimeout)

	// 4. Start Server
	srv := &http.Server{
		Addr:              ":" + cfg.HttpPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Gateway listening on HTTP", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Gateway start failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Gateway forced to shutdown", zap.Error(err))
	}
	logger.Info("Gateway exited")
}
