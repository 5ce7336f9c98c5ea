package response

import (
	"errors"
	"net/http"

	"btc-minter/pkg/errno"

	"github.com/gin-gonic/gin"
)

// Response defines the standard JSON structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// Success returns a success response with data
func Success(c *gin.Context, data interface{}) {
	if data == nil {
		data = gin.H{} // Return empty object instead of null
	}
	c.JSON(http.StatusOK, Response{
		Code:    errno.OK.Code,
		Message: errno.OK.Message,
		Data:    data,
	})
}

// Error returns an error response
func Error(c *gin.Context, err error) {
	ErrorWithData(c, err, nil)
}

// ErrorWithData 业务错误同时带上结构化信息 (例如 NoNewUtxos 的待确认输出)
// 不变量被破坏时返回 HTTP 500，其余业务错误仍是 200 + code
func ErrorWithData(c *gin.Context, err error, data interface{}) {
	code, msg := errno.Decode(err)
	if data == nil {
		data = gin.H{}
	}
	status := http.StatusOK
	if errors.Is(err, errno.ErrInvariantViolation) {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Response{
		Code:    code,
		Message: msg,
		Data:    data,
	})
}
