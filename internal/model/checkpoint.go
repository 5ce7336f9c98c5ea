package model

import "time"

// Checkpoint 托管状态快照，只追加；最新一条即当前状态
type Checkpoint struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	MinterID  string    `gorm:"type:varchar(64);not null;index:idx_minter_created"`
	Version   int       `gorm:"not null"`
	Checksum  string    `gorm:"type:varchar(64);not null"`
	Data      []byte    `gorm:"type:bytea;not null"`
	CreatedAt time.Time `gorm:"index:idx_minter_created"`
}

func (Checkpoint) TableName() string {
	return "checkpoints"
}
