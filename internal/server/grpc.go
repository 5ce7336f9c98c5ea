package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	handler_grpc "btc-minter/internal/handler/grpc"
	"btc-minter/internal/server/routes"
	"btc-minter/pkg/logger"
	"btc-minter/pkg/monitor"
)

// NewGRPCServer 初始化并注册 gRPC 服务
func NewGRPCServer(srv *handler_grpc.MinterServer) *grpc.Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(monitor.UnaryServerInterceptor(), accessLog))

	routes.RegisterMinterGRPC(s, srv)

	// 启用反射 (grpcurl 调试用)
	reflection.Register(s)
	return s
}

func accessLog(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("latency", time.Since(start))}
	if err != nil {
		logger.Warn("gRPC 请求失败", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("gRPC 请求", fields...)
	}
	return resp, err
}
