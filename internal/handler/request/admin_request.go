package request

// ConfigureRequest 部分更新，未出现的字段保持不变
type ConfigureRequest struct {
	MinConfirmations     *uint32  `json:"min_confirmations" binding:"omitempty,min=1"`
	RetrieveBtcMinAmount *uint64  `json:"retrieve_btc_min_amount"`
	MaxTimeInQueue       *string  `json:"max_time_in_queue"` // time.Duration 格式，例如 "10m"
	KytFee               *uint64  `json:"kyt_fee"`
	KytPrincipal         *string  `json:"kyt_principal"`
	ScreeningEnabled     *bool    `json:"screening_enabled"`
	Mode                 *string  `json:"mode" binding:"omitempty,oneof=GeneralAvailability ReadOnly RestrictedTo DepositsRestrictedTo"`
	ModeAllowList        []string `json:"mode_allow_list"`
	Controllers          []string `json:"controllers"`
}
