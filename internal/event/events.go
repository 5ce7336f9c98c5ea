package event

import "time"

const (
	TopicAddress    = "minter_events_address"
	TopicDeposit    = "minter_events_deposit"
	TopicWithdrawal = "minter_events_withdrawal"
)

// Topics 事件消费者订阅的全部主题
func Topics() []string {
	return []string{TopicAddress, TopicDeposit, TopicWithdrawal}
}

// AddressDerivedEvent 新派生的充值地址
// Topic: minter_events_address
type AddressDerivedEvent struct {
	Owner      string    `json:"owner"`
	Subaccount string    `json:"subaccount,omitempty"`
	Address    string    `json:"address"`
	Path       string    `json:"path"`
	At         time.Time `json:"at"`
}

// DepositEvent 单个输出的入账结论
// Topic: minter_events_deposit
type DepositEvent struct {
	Owner      string    `json:"owner"`
	Subaccount string    `json:"subaccount,omitempty"`
	Address    string    `json:"address"`
	Outpoint   string    `json:"outpoint"`
	Value      uint64    `json:"value"`
	Status     string    `json:"status"` // Minted, Tainted, ValueTooSmall, Checked
	Minted     uint64    `json:"minted"`
	BlockIndex uint64    `json:"block_index"`
	At         time.Time `json:"at"`
}

// WithdrawalEvent 提现状态迁移
// Topic: minter_events_withdrawal
type WithdrawalEvent struct {
	RequestID   uint64    `json:"request_id"`
	Owner       string    `json:"owner"`
	Destination string    `json:"destination"`
	Amount      uint64    `json:"amount"`
	Status      string    `json:"status"`
	TxID        string    `json:"txid,omitempty"`
	Fee         uint64    `json:"fee,omitempty"`
	Attempts    int       `json:"attempts"`
	Paid        uint64    `json:"paid,omitempty"` // 确认时实际到账金额
	At          time.Time `json:"at"`
}
