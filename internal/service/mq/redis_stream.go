package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"btc-minter/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisProducer 基于 Redis Streams，每个主题一个 stream
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer maxLen > 0 时近似裁剪 stream 长度
func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

func (p *RedisProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	// XADD <topic> [MAXLEN ~ n] * key <key> payload <payload>
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"key": key, "payload": payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd error: %w", err)
	}
	return nil
}

// Close 连接由调用方管理
func (p *RedisProducer) Close() error { return nil }

// RedisConsumer 消费组模式，先处理自己名下未确认的消息，再读新消息
type RedisConsumer struct {
	client *redis.Client
	group  string
	name   string
	block  time.Duration
}

func NewRedisConsumer(client *redis.Client, group, name string) *RedisConsumer {
	return &RedisConsumer{client: client, group: group, name: name, block: 2 * time.Second}
}

func (c *RedisConsumer) Subscribe(ctx context.Context, topic string, handler Handler) error {
	// 1. 创建 Consumer Group (如果不存在)
	err := c.client.XGroupCreateMkStream(ctx, topic, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("创建消费者组失败: %w", err)
	}
	logger.Info("Redis MQ 开始监听", zap.String("topic", topic), zap.String("group", c.group))

	// 2. "0" 读取上次崩溃前未确认的消息，读空后切到 ">"
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{topic, cursor},
			Count:    16,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Redis MQ 读取消息错误", zap.String("topic", topic), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		n := 0
		for _, stream := range streams {
			for _, x := range stream.Messages {
				n++
				c.dispatch(ctx, topic, x, handler)
			}
		}
		if cursor == "0" && n == 0 {
			cursor = ">"
		}
	}
}

func (c *RedisConsumer) dispatch(ctx context.Context, topic string, x redis.XMessage, handler Handler) {
	payload, ok := x.Values["payload"].(string)
	if !ok {
		logger.Warn("Redis MQ 消息格式错误: payload 缺失", zap.String("id", x.ID))
		c.client.XAck(ctx, topic, c.group, x.ID)
		return
	}
	key, _ := x.Values["key"].(string)
	msg := &Message{ID: x.ID, Topic: topic, Key: key, Payload: []byte(payload)}

	if err := handler(msg); err != nil {
		logger.Warn("Redis MQ 消息处理失败", zap.String("id", x.ID), zap.Error(err))
		return
	}
	c.client.XAck(ctx, topic, c.group, x.ID)
}

// Close 连接由调用方管理
func (c *RedisConsumer) Close() error { return nil }
