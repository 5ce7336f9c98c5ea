package handler

import (
	"context"
	"fmt"
	"time"

	"btc-minter/internal/handler/request"
	"btc-minter/internal/handler/response"
	"btc-minter/internal/minter"
	"btc-minter/pkg/errno"

	"github.com/gin-gonic/gin"
)

// AdminService controller 操作
type AdminService interface {
	Configure(ctx context.Context, caller string, args *minter.UpgradeArgs) ([]string, error)
	Stats() minter.Stats
	CheckInvariants() error
}

type AdminHandler struct {
	svc AdminService
}

func NewAdminHandler(svc AdminService) *AdminHandler {
	return &AdminHandler{svc: svc}
}

// ToUpgradeArgs 把请求转换为部分更新参数，HTTP 与 gRPC 共用
func ToUpgradeArgs(req *request.ConfigureRequest) (*minter.UpgradeArgs, error) {
	args := &minter.UpgradeArgs{
		MinConfirmations:     req.MinConfirmations,
		RetrieveBtcMinAmount: req.RetrieveBtcMinAmount,
		KytFee:               req.KytFee,
		KytPrincipal:         req.KytPrincipal,
		ScreeningEnabled:     req.ScreeningEnabled,
		Controllers:          req.Controllers,
	}
	if req.MaxTimeInQueue != nil {
		d, err := time.ParseDuration(*req.MaxTimeInQueue)
		if err != nil {
			return nil, errno.ErrBind.WithMessage(fmt.Sprintf("max_time_in_queue: %v", err))
		}
		args.MaxTimeInQueue = &d
	}
	if req.Mode != nil {
		m, err := minter.ParseMode(*req.Mode, req.ModeAllowList)
		if err != nil {
			return nil, err
		}
		args.Mode = &m
	}
	return args, nil
}

// Configure 更新配置
// @Summary 更新 minter 配置
// @Description 仅 controller 可调用；min_confirmations 只能降低，升高会被忽略并返回 warning
// @Tags Admin
// @Accept json
// @Produce json
// @Param X-Caller-Principal header string true "controller 身份"
// @Param request body request.ConfigureRequest true "部分更新"
// @Success 200 {object} response.Response
// @Router /admin/configure [post]
func (h *AdminHandler) Configure(c *gin.Context) {
	// 1. 绑定参数
	var req request.ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	// 2. 转换
	args, err := ToUpgradeArgs(&req)
	if err != nil {
		response.Error(c, err)
		return
	}

	// 3. 调用 minter，权限检查在 minter 内部
	warnings, err := h.svc.Configure(c.Request.Context(), caller(c), args)
	if err != nil {
		response.Error(c, err)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	response.Success(c, gin.H{"warnings": warnings})
}

// Stats 托管状态统计
// @Summary 托管状态统计
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Response
// @Router /admin/stats [get]
func (h *AdminHandler) Stats(c *gin.Context) {
	st := h.svc.Stats()
	byState := make(map[string]int, len(st.ByState))
	for k, v := range st.ByState {
		byState[string(k)] = v
	}
	response.Success(c, gin.H{
		"utxos":        byState,
		"free_balance": st.FreeBalance,
		"submitted":    st.Submitted,
		"pending":      st.Pending,
	})
}

// Invariants 立即检查托管不变量
// @Summary 检查不变量
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /admin/invariants [get]
func (h *AdminHandler) Invariants(c *gin.Context) {
	if err := h.svc.CheckInvariants(); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"ok": true})
}
