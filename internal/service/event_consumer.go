package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"btc-minter/internal/event"
	"btc-minter/internal/service/mq"
	"btc-minter/pkg/logger"
	"btc-minter/pkg/monitor"
)

// EventConsumer 订阅 minter 事件，转换成业务指标
type EventConsumer struct {
	consumer mq.Consumer
	metrics  *monitor.BusinessMetrics
}

func NewEventConsumer(consumer mq.Consumer, metrics *monitor.BusinessMetrics) *EventConsumer {
	return &EventConsumer{consumer: consumer, metrics: metrics}
}

// Run 订阅全部主题，阻塞直到 ctx 取消
func (c *EventConsumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, topic := range event.Topics() {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			if err := c.consumer.Subscribe(ctx, topic, c.Handle); err != nil {
				logger.Error("订阅失败", zap.String("topic", topic), zap.Error(err))
			}
		}(topic)
	}
	wg.Wait()
}

// Handle 格式错误的消息直接丢弃，不阻塞后续消息
func (c *EventConsumer) Handle(msg *mq.Message) error {
	switch msg.Topic {
	case event.TopicDeposit:
		var ev event.DepositEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logger.Warn("丢弃无法解析的消息", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		c.metrics.DepositOutcomeTotal.WithLabelValues(ev.Status).Inc()
		if ev.Minted > 0 {
			c.metrics.MintedSatsTotal.Add(float64(ev.Minted))
		}

	case event.TopicWithdrawal:
		var ev event.WithdrawalEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logger.Warn("丢弃无法解析的消息", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		c.metrics.WithdrawalStatusTotal.WithLabelValues(ev.Status).Inc()
		if ev.Paid > 0 {
			c.metrics.WithdrawnSatsTotal.Add(float64(ev.Paid))
		}

	case event.TopicAddress:
		logger.Debug("新充值地址", zap.String("key", msg.Key))

	default:
		return fmt.Errorf("unexpected topic %q", msg.Topic)
	}
	return nil
}
