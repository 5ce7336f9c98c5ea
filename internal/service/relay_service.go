package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"btc-minter/internal/model"
	"btc-minter/internal/service/mq"
	"btc-minter/pkg/logger"
)

// maxRelayAttempts 超过后标记为 FAILED，需要人工处理
const maxRelayAttempts = 10

// RelayService 负责将本地消息表的消息搬运到 MQ
type RelayService struct {
	db       *gorm.DB
	producer mq.Producer
	interval time.Duration
	batch    int
}

func NewRelayService(db *gorm.DB, producer mq.Producer) *RelayService {
	return &RelayService{
		db:       db,
		producer: producer,
		interval: 500 * time.Millisecond, // 500ms 轮询一次
		batch:    50,
	}
}

func (s *RelayService) Start(ctx context.Context) {
	logger.Info("启动消息中继服务...")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("消息中继服务停止")
			return
		case <-ticker.C:
			if _, err := s.RelayOnce(ctx); err != nil {
				logger.Warn("中继消息失败", zap.Error(err))
			}
		}
	}
}

// RelayOnce 发送一批 PENDING 消息，返回成功投递的条数。
// 多实例时用 SKIP LOCKED 分摊，同一条消息不会被两个实例同时发送
func (s *RelayService) RelayOnce(ctx context.Context) (int, error) {
	sent := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 获取一批 Pending 消息，按 ID 保证顺序
		var messages []model.OutboxMessage
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", model.OutboxPending).
			Order("id").Limit(s.batch).Find(&messages).Error; err != nil {
			return err
		}

		for i := range messages {
			msg := &messages[i]
			// 2. 发送 MQ
			if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
				logger.Warn("发送消息失败", zap.Uint64("id", msg.ID), zap.Int("attempts", msg.Attempts+1), zap.Error(err))
				status := model.OutboxPending
				if msg.Attempts+1 >= maxRelayAttempts {
					status = model.OutboxFailed
				}
				if err := tx.Model(msg).Updates(map[string]interface{}{"attempts": msg.Attempts + 1, "status": status}).Error; err != nil {
					return err
				}
				// 保证同一个 key 的顺序，后面的消息这一轮不发
				break
			}

			// 3. 只有发送成功了才更新状态 => At-least-once (至少一次投递)
			if err := tx.Model(msg).Update("status", model.OutboxSent).Error; err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, err
}
