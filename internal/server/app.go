package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"btc-minter/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type Config struct {
	HttpPort string
	GrpcPort string
	// ShutdownTimeout 缺省 5s
	ShutdownTimeout time.Duration
}

// App 同时托管 HTTP 与 gRPC 两个入口
type App struct {
	cfg          Config
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
}

// New 先占用两个端口，端口冲突在启动阶段就能暴露
func New(cfg Config, httpHandler *gin.Engine, grpcServer *grpc.Server) (*App, error) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	httpLis, err := net.Listen("tcp", ":"+cfg.HttpPort)
	if err != nil {
		return nil, fmt.Errorf("listen http port %s: %w", cfg.HttpPort, err)
	}
	grpcLis, err := net.Listen("tcp", ":"+cfg.GrpcPort)
	if err != nil {
		httpLis.Close()
		return nil, fmt.Errorf("listen grpc port %s: %w", cfg.GrpcPort, err)
	}
	return &App{
		cfg: cfg,
		httpServer: &http.Server{
			Handler:           httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		httpListener: httpLis,
		grpcServer:   grpcServer,
		grpcListener: grpcLis,
	}, nil
}

// Run 阻塞直到收到信号、ctx 被取消 (例如不变量被破坏) 或任一入口异常退出。
// 返回值只反映入口异常，正常关闭返回 nil，调用方据此继续做快照与资源清理
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 2)

	go func() {
		logger.Info("HTTP 服务启动", zap.String("addr", a.httpListener.Addr().String()))
		if err := a.httpServer.Serve(a.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("gRPC 服务启动", zap.String("addr", a.grpcListener.Addr().String()))
		if err := a.grpcServer.Serve(a.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("grpc: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("收到退出信号，正在关闭服务...", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Warn("服务被内部终止，正在关闭...", zap.Error(context.Cause(ctx)))
	case runErr = <-serveErr:
		logger.Error("入口异常退出，正在关闭服务...", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP 服务强制关闭", zap.Error(err))
	}

	// GracefulStop 等待进行中的调用，超时后强制 Stop
	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("gRPC 优雅关闭超时，强制停止")
		a.grpcServer.Stop()
	}

	logger.Info("入口已全部关闭")
	return runErr
}
