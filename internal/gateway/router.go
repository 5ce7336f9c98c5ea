package gateway

import (
	"context"
	"net/http"
	"time"

	handler_grpc "btc-minter/internal/handler/grpc"
	"btc-minter/internal/handler/response"
	"btc-minter/pkg/errno"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
)

// forwarded 网关对外开放的方法，Configure 只能走内网直连
var forwarded = map[string]bool{
	"GetBtcAddress":         true,
	"UpdateBalance":         true,
	"RetrieveBtc":           true,
	"RetrieveBtcStatus":     true,
	"GetMinterInfo":         true,
	"EstimateWithdrawalFee": true,
}

// RegisterRoutes registers all HTTP routes for the gateway
func RegisterRoutes(r *gin.Engine, conn grpc.ClientConnInterface, timeout time.Duration) {
	h := &MinterHandler{conn: conn, timeout: timeout}
	api := r.Group("/v1")
	api.POST("/minter/:method", h.Forward)
}

type MinterHandler struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// Forward 把 JSON 请求体原样转成 Struct 调用后端
func (h *MinterHandler) Forward(c *gin.Context) {
	method := c.Param("method")
	if !forwarded[method] {
		c.JSON(http.StatusNotFound, response.Response{Code: errno.ErrNotFound.Code, Message: "unknown method " + method, Data: gin.H{}})
		return
	}

	req := map[string]interface{}{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, errno.ErrBind.WithMessage(err.Error()))
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	client := handler_grpc.NewClient(h.conn, c.GetHeader("X-Caller-Principal"))
	resp, err := client.Call(ctx, method, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}
