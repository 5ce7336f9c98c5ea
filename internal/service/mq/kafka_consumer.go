package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"btc-minter/pkg/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const maxHandleAttempts = 5

// KafkaConsumer 每个主题一个 Reader，同一个消费组
type KafkaConsumer struct {
	brokers []string
	groupID string

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaConsumer(brokers []string, groupID string) *KafkaConsumer {
	return &KafkaConsumer{brokers: brokers, groupID: groupID}
}

func (c *KafkaConsumer) Subscribe(ctx context.Context, topic string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     c.groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	logger.Info("Kafka MQ 开始监听", zap.String("topic", topic), zap.String("group", c.groupID))

	for {
		// 1. 读取消息 (阻塞直到有消息)
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Kafka MQ 读取消息错误", zap.String("topic", topic), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		msg := &Message{
			ID:      fmt.Sprintf("%d/%d", m.Partition, m.Offset),
			Topic:   topic,
			Key:     string(m.Key),
			Payload: m.Value,
		}

		// 2. 处理失败原地重试，超过次数后跳过 (消费端幂等，漏掉的指标由下一条事件修正)
		for attempt := 1; ; attempt++ {
			err := handler(msg)
			if err == nil {
				break
			}
			logger.Warn("Kafka MQ 消息处理失败", zap.String("id", msg.ID), zap.Int("attempt", attempt), zap.Error(err))
			if attempt >= maxHandleAttempts || ctx.Err() != nil {
				break
			}
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}

		// 3. 手动提交 Offset
		if err := reader.CommitMessages(ctx, m); err != nil {
			logger.Warn("Kafka MQ 提交 Offset 失败", zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.readers = nil
	return first
}
