package server

import (
	"btc-minter/internal/handler"
	"btc-minter/internal/server/routes"

	"btc-minter/pkg/monitor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handlers 路由需要的 handler
type Handlers struct {
	Minter *handler.MinterHandler
	Admin  *handler.AdminHandler
	Health gin.HandlerFunc
}

// NewHTTPRouter 初始化并返回一个 Gin Engine，监控指标需要先 monitor.Init
func NewHTTPRouter(h Handlers) *gin.Engine {
	// 1. 创建 Engine (使用默认中间件: Logger, Recovery)
	r := gin.Default()

	// 2. 注册通用中间件
	r.Use(monitor.PrometheusMiddleware())

	// 3. 注册基础路由
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 4. 注册 API 路由组
	api := r.Group("/api/v1")
	routes.RegisterMinterRoutes(api, h.Minter)
	if h.Admin != nil {
		routes.RegisterAdminRoutes(api, h.Admin)
	}

	return r
}
