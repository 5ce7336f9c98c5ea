package routes

import (
	"google.golang.org/grpc"

	handler_grpc "btc-minter/internal/handler/grpc"
)

// RegisterMinterGRPC 注册 Minter gRPC 服务
func RegisterMinterGRPC(s *grpc.Server, srv *handler_grpc.MinterServer) {
	handler_grpc.Register(s, srv)
}
