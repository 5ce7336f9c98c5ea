package routes

import (
	"btc-minter/internal/handler"

	"github.com/gin-gonic/gin"
)

func RegisterAdminRoutes(rg *gin.RouterGroup, h *handler.AdminHandler) {
	adminGroup := rg.Group("/admin")
	// controller 权限在 minter 内部校验
	{
		adminGroup.POST("/configure", h.Configure)
		adminGroup.GET("/stats", h.Stats)
		adminGroup.GET("/invariants", h.Invariants)
	}
}
