package mq

import "context"

// Message 代表一条 minter 事件消息
type Message struct {
	ID       string            // Redis Stream ID 或 Kafka partition/offset
	Topic    string            // 例如 "minter_events_deposit"
	Key      string            // 分区键: 账户或提现请求 ID
	Payload  []byte            // JSON，见 internal/event
	Metadata map[string]string
}

// Producer 生产者接口
type Producer interface {
	// Publish key 相同的消息保持顺序，传空字符串则随机分区
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	Close() error
}

// Handler 返回 error 时消息不确认，稍后重投
type Handler func(msg *Message) error

// Consumer 消费者接口
type Consumer interface {
	// Subscribe 阻塞直到 ctx 取消
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
