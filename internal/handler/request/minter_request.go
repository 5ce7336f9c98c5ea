package request

// AccountQuery owner 缺省为调用方，subaccount 缺省为全零
type AccountQuery struct {
	Owner      string `json:"owner" form:"owner" binding:"omitempty,max=128"`
	Subaccount string `json:"subaccount" form:"subaccount" binding:"omitempty,subaccount"`
}

// RetrieveBtcRequest 提现参数，金额单位为 satoshi
type RetrieveBtcRequest struct {
	Address        string `json:"address" binding:"required,btc_address"`
	Amount         uint64 `json:"amount" binding:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" binding:"omitempty,max=64"`
	FromSubaccount string `json:"from_subaccount" binding:"omitempty,subaccount"`
}

// EstimateFeeQuery amount 为空时按单输入估算
type EstimateFeeQuery struct {
	Amount *uint64 `form:"amount" binding:"omitempty,gt=0"`
}

// HistoryQuery 充值/提现记录分页
type HistoryQuery struct {
	Owner      string `form:"owner" binding:"omitempty,max=128"`
	Subaccount string `form:"subaccount" binding:"omitempty,subaccount"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=500"`
}
