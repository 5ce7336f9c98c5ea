package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	LedgerKindMint = "mint"
	LedgerKindBurn = "burn"
)

// LedgerTransaction 代币账本流水，ID 即区块索引
// DedupKey 唯一，保证同一个 key 只记账一次
type LedgerTransaction struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind       string          `gorm:"type:varchar(8);not null" json:"kind"` // mint, burn
	Owner      string          `gorm:"type:varchar(255);not null;index:idx_ledger_account" json:"owner"`
	Subaccount string          `gorm:"type:varchar(64);not null;default:'';index:idx_ledger_account" json:"subaccount"`
	Amount     decimal.Decimal `gorm:"type:decimal(30,0);not null" json:"amount"`
	DedupKey   string          `gorm:"type:varchar(255);not null;uniqueIndex" json:"dedup_key"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

// Address 充值地址簿，派生一次写一次
type Address struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Network    string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_network_address" json:"network"`
	Address    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_network_address" json:"address"`
	Owner      string    `gorm:"type:varchar(255);not null;index:idx_address_owner" json:"owner"`
	Subaccount string    `gorm:"type:varchar(64);not null;default:'';index:idx_address_owner" json:"subaccount"`
	Path       string    `gorm:"type:varchar(255);not null" json:"path"` // m/1/...
	CreatedAt  time.Time `json:"created_at"`
}

func (Address) TableName() string {
	return "addresses"
}

// Deposit 入账输出投影，按 outpoint 唯一；状态以最后一次为准
type Deposit struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Outpoint   string          `gorm:"type:varchar(80);not null;uniqueIndex" json:"outpoint"`
	Owner      string          `gorm:"type:varchar(255);not null;index" json:"owner"`
	Subaccount string          `gorm:"type:varchar(64);not null;default:''" json:"subaccount"`
	Address    string          `gorm:"type:varchar(255);not null" json:"address"`
	Value      decimal.Decimal `gorm:"type:decimal(30,0);not null" json:"value"`
	Minted     decimal.Decimal `gorm:"type:decimal(30,0);not null;default:0" json:"minted"`
	Height     uint32          `gorm:"not null;default:0" json:"height"`
	Status     string          `gorm:"type:varchar(20);not null" json:"status"` // Minted, Tainted, ValueTooSmall, Checked
	BlockIndex uint64          `gorm:"not null;default:0" json:"block_index"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (Deposit) TableName() string {
	return "deposits"
}

// Withdrawal 提现请求投影，RequestID 即燃烧的区块索引
type Withdrawal struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID   uint64          `gorm:"not null;uniqueIndex" json:"request_id"`
	Owner       string          `gorm:"type:varchar(255);not null;index" json:"owner"`
	Destination string          `gorm:"type:varchar(255);not null" json:"destination"`
	Amount      decimal.Decimal `gorm:"type:decimal(30,0);not null" json:"amount"`
	Status      string          `gorm:"type:varchar(32);not null;index" json:"status"`
	TxHash      string          `gorm:"type:varchar(64)" json:"tx_hash"` // 最新一次广播
	Fee         uint64          `gorm:"not null;default:0" json:"fee"`
	Attempts    int             `gorm:"not null;default:0" json:"attempts"` // 广播次数
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Withdrawal) TableName() string {
	return "withdrawals"
}
