package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"btc-minter/internal/minter"
	"btc-minter/internal/model"

	"gorm.io/gorm"
)

// SnapshotStore 把托管状态快照追加写入 checkpoints 表
type SnapshotStore struct {
	db       *gorm.DB
	minterID string
	keep     int
}

var _ minter.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore keep 为保留的历史快照数，<= 0 表示全部保留
func NewSnapshotStore(db *gorm.DB, minterID string, keep int) *SnapshotStore {
	return &SnapshotStore{db: db, minterID: minterID, keep: keep}
}

func (s *SnapshotStore) Save(ctx context.Context, data []byte) error {
	var head struct {
		Version  int    `json:"version"`
		Checksum string `json:"checksum"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("snapshot header: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cp := model.Checkpoint{
			MinterID: s.minterID,
			Version:  head.Version,
			Checksum: head.Checksum,
			Data:     data,
		}
		if err := tx.Create(&cp).Error; err != nil {
			return err
		}
		if s.keep <= 0 {
			return nil
		}

		// 只保留最近 keep 条
		var cutoff model.Checkpoint
		err := tx.Where("minter_id = ?", s.minterID).
			Order("id DESC").Offset(s.keep).Limit(1).Take(&cutoff).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Where("minter_id = ? AND id <= ?", s.minterID, cutoff.ID).Delete(&model.Checkpoint{}).Error
	})
}

// Load 返回最新的快照，没有时返回 minter.ErrNoSnapshot
func (s *SnapshotStore) Load(ctx context.Context) ([]byte, error) {
	var cp model.Checkpoint
	err := s.db.WithContext(ctx).Where("minter_id = ?", s.minterID).Order("id DESC").Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, minter.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return cp.Data, nil
}

// Count 当前保留的快照数
func (s *SnapshotStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Checkpoint{}).Where("minter_id = ?", s.minterID).Count(&n).Error
	return n, err
}
