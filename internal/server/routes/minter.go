package routes

import (
	"github.com/gin-gonic/gin"

	"btc-minter/internal/handler"
)

// RegisterMinterRoutes 注册用户侧接口
func RegisterMinterRoutes(rg *gin.RouterGroup, h *handler.MinterHandler) {
	rg.POST("/btc_address", h.GetBtcAddress)
	rg.POST("/update_balance", h.UpdateBalance)
	rg.POST("/retrieve_btc", h.RetrieveBtc)
	rg.GET("/retrieve_btc/:block_index", h.RetrieveBtcStatus)
	rg.GET("/minter_info", h.MinterInfo)
	rg.GET("/withdrawal_fee", h.EstimateWithdrawalFee)

	rg.GET("/deposits", h.Deposits)
	rg.GET("/withdrawals", h.Withdrawals)
}
