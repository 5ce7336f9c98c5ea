package handler

import (
	"btc-minter/internal/handler/response"
	"btc-minter/internal/minter"

	"github.com/gin-gonic/gin"
)

// HealthCheck godoc
// @Summary Check system health
// @Description Get the current health status of the server
// @Tags system
// @Accept  json
// @Produce  json
// @Success 200 {object} map[string]string
// @Router /health [get]
func HealthCheck(info func() minter.MinterInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		data := gin.H{
			"status":  "UP",
			"version": "1.0.0",
			"service": "btc-minter",
		}
		if info != nil {
			mi := info()
			data["network"] = mi.Network
			data["mode"] = mi.Mode
		}
		response.Success(c, data)
	}
}
