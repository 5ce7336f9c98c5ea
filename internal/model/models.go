package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TokenAccount 代币账户表 (ckBTC 余额，单位 satoshi)
// (owner, subaccount) 唯一，subaccount 为 64 位 hex，全零子账户存空串
type TokenAccount struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Owner      string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_owner_sub" json:"owner"`
	Subaccount string          `gorm:"type:varchar(64);not null;default:'';uniqueIndex:idx_owner_sub" json:"subaccount"`
	Balance    decimal.Decimal `gorm:"type:decimal(30,0);not null;default:0" json:"balance"`
	Version    uint64          `gorm:"not null;default:0" json:"version"` // 每次变动 +1
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (TokenAccount) TableName() string {
	return "token_accounts"
}

// OutboxMessage 本地消息表 (Transactional Outbox)
type OutboxMessage struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic     string         `gorm:"type:varchar(255);not null" json:"topic"`
	Key       string         `gorm:"type:varchar(255);not null;default:''" json:"key"` // 分区键
	Payload   []byte         `gorm:"type:text;not null" json:"payload"`
	Status    string         `gorm:"type:varchar(50);not null;default:'PENDING';index" json:"status"` // PENDING, SENT, FAILED
	Attempts  int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
