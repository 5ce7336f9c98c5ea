package handler

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"

	"btc-minter/internal/handler/request"
	"btc-minter/internal/handler/response"
	"btc-minter/internal/minter"
	"btc-minter/internal/model"
	"btc-minter/pkg/errno"
	"btc-minter/pkg/validator"

	"github.com/gin-gonic/gin"
)

// CallerHeader 上游网关认证后注入的调用方身份，缺省为匿名
const CallerHeader = "X-Caller-Principal"

// MinterService 是 *minter.Minter 对外暴露的用户操作
type MinterService interface {
	GetBtcAddress(ctx context.Context, caller string, owner *string, sub []byte) (string, error)
	UpdateBalance(ctx context.Context, caller string, owner *string, sub []byte) ([]minter.UtxoStatus, error)
	RetrieveBtc(ctx context.Context, caller string, args minter.RetrieveBtcArgs) (*minter.RetrieveBtcOk, error)
	RetrieveBtcStatus(blockIndex uint64) (*minter.RetrieveBtcStatus, error)
	MinterInfo() minter.MinterInfo
	EstimateWithdrawalFee(ctx context.Context, amount *uint64) (minter.WithdrawalFee, error)
}

// HistoryStore 充值/提现投影，可以为 nil
type HistoryStore interface {
	Deposits(ctx context.Context, acc minter.Account, limit int) ([]model.Deposit, error)
	Withdrawals(ctx context.Context, owner string, limit int) ([]model.Withdrawal, error)
}

type MinterHandler struct {
	svc     MinterService
	history HistoryStore
}

func NewMinterHandler(svc MinterService, history HistoryStore) *MinterHandler {
	return &MinterHandler{svc: svc, history: history}
}

func caller(c *gin.Context) string {
	return c.GetHeader(CallerHeader)
}

func optionalOwner(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}

// subaccountBytes 校验器已经保证是 64 位 hex
func subaccountBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errno.ErrInvalidSubaccount
	}
	return b, nil
}

func bindError(c *gin.Context, err error) {
	response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
}

// GetBtcAddress 充值地址
// @Summary 获取充值地址
// @Description owner 缺省为调用方，subaccount 缺省为全零
// @Tags Minter
// @Accept json
// @Produce json
// @Param X-Caller-Principal header string false "调用方身份"
// @Param request body request.AccountQuery true "账户"
// @Success 200 {object} response.Response
// @Router /btc_address [post]
func (h *MinterHandler) GetBtcAddress(c *gin.Context) {
	var req request.AccountQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sub, err := subaccountBytes(req.Subaccount)
	if err != nil {
		response.Error(c, err)
		return
	}

	addr, err := h.svc.GetBtcAddress(c.Request.Context(), caller(c), optionalOwner(req.Owner), sub)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"address": addr})
}

// UpdateBalance 扫描充值地址并铸币
// @Summary 更新余额
// @Description 对充值地址上达到确认数的新输出进行筛查和铸币，返回逐个输出的结论
// @Tags Minter
// @Accept json
// @Produce json
// @Param X-Caller-Principal header string false "调用方身份"
// @Param request body request.AccountQuery true "账户"
// @Success 200 {object} response.Response
// @Router /update_balance [post]
func (h *MinterHandler) UpdateBalance(c *gin.Context) {
	var req request.AccountQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sub, err := subaccountBytes(req.Subaccount)
	if err != nil {
		response.Error(c, err)
		return
	}

	statuses, err := h.svc.UpdateBalance(c.Request.Context(), caller(c), optionalOwner(req.Owner), sub)
	if err != nil {
		var noNew *minter.NoNewUtxosError
		if errors.As(err, &noNew) {
			response.ErrorWithData(c, err, gin.H{
				"current_confirmations":  noNew.CurrentConfirmations,
				"required_confirmations": noNew.RequiredConfirmations,
				"pending_utxos":          noNew.PendingUtxos,
			})
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"utxos": statuses})
}

// RetrieveBtc 提现
// @Summary 提现 BTC
// @Description burn 之后排队构造交易；burn 失败可以用同一个 idempotency_key 重试
// @Tags Minter
// @Accept json
// @Produce json
// @Param X-Caller-Principal header string false "调用方身份"
// @Param request body request.RetrieveBtcRequest true "提现参数"
// @Success 200 {object} response.Response
// @Router /retrieve_btc [post]
func (h *MinterHandler) RetrieveBtc(c *gin.Context) {
	var req request.RetrieveBtcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sub, err := subaccountBytes(req.FromSubaccount)
	if err != nil {
		response.Error(c, err)
		return
	}

	ok, err := h.svc.RetrieveBtc(c.Request.Context(), caller(c), minter.RetrieveBtcArgs{
		Address:        req.Address,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		FromSubaccount: sub,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ok)
}

// RetrieveBtcStatus 提现状态
// @Summary 查询提现状态
// @Tags Minter
// @Produce json
// @Param block_index path int true "burn 区块索引"
// @Success 200 {object} response.Response
// @Router /retrieve_btc/{block_index} [get]
func (h *MinterHandler) RetrieveBtcStatus(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("block_index"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind.WithMessage("block_index 必须是非负整数"))
		return
	}
	st, err := h.svc.RetrieveBtcStatus(idx)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, st)
}

// MinterInfo
// @Summary 获取 minter 参数
// @Tags Minter
// @Produce json
// @Success 200 {object} response.Response
// @Router /minter_info [get]
func (h *MinterHandler) MinterInfo(c *gin.Context) {
	response.Success(c, h.svc.MinterInfo())
}

// EstimateWithdrawalFee
// @Summary 估算提现费用
// @Tags Minter
// @Produce json
// @Param amount query int false "提现金额 (satoshi)"
// @Success 200 {object} response.Response
// @Router /withdrawal_fee [get]
func (h *MinterHandler) EstimateWithdrawalFee(c *gin.Context) {
	var q request.EstimateFeeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return
	}
	fee, err := h.svc.EstimateWithdrawalFee(c.Request.Context(), q.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, fee)
}

func (h *MinterHandler) historyQuery(c *gin.Context) (request.HistoryQuery, bool) {
	if h.history == nil {
		response.Error(c, errno.ErrNotFound.WithMessage("history store is not configured"))
		return request.HistoryQuery{}, false
	}
	var q request.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return q, false
	}
	if q.Owner == "" {
		q.Owner = caller(c)
	}
	if q.Owner == "" {
		q.Owner = minter.AnonymousPrincipal
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	return q, true
}

// Deposits 充值记录
// @Summary 查询充值记录
// @Tags History
// @Produce json
// @Param owner query string false "owner"
// @Param subaccount query string false "subaccount (hex)"
// @Param limit query int false "条数"
// @Success 200 {object} response.Response
// @Router /deposits [get]
func (h *MinterHandler) Deposits(c *gin.Context) {
	q, ok := h.historyQuery(c)
	if !ok {
		return
	}
	sub, err := minter.ParseSubaccountHex(q.Subaccount)
	if err != nil {
		response.Error(c, err)
		return
	}
	rows, err := h.history.Deposits(c.Request.Context(), minter.Account{Owner: q.Owner, Subaccount: sub}, q.Limit)
	if err != nil {
		response.Error(c, errno.ErrDatabase)
		return
	}
	response.Success(c, rows)
}

// Withdrawals 提现记录
// @Summary 查询提现记录
// @Tags History
// @Produce json
// @Param owner query string false "owner"
// @Param limit query int false "条数"
// @Success 200 {object} response.Response
// @Router /withdrawals [get]
func (h *MinterHandler) Withdrawals(c *gin.Context) {
	q, ok := h.historyQuery(c)
	if !ok {
		return
	}
	rows, err := h.history.Withdrawals(c.Request.Context(), q.Owner, q.Limit)
	if err != nil {
		response.Error(c, errno.ErrDatabase)
		return
	}
	response.Success(c, rows)
}
