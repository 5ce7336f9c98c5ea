package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"btc-minter/internal/minter"
	"btc-minter/internal/worker/tasks"
	"btc-minter/pkg/logger"
)

// Client 封装 Asynq Client，实现 minter.MintScheduler
type Client struct {
	client *asynq.Client
}

var _ minter.MintScheduler = (*Client)(nil)

// NewClient 初始化 Client
// addr: "localhost:6379"
func NewClient(addr string, password string, db int) *Client {
	c := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Client{client: c}
}

// ScheduleMint 同一个 dedupKey 已经在队列里时视为成功
func (c *Client) ScheduleMint(ctx context.Context, t minter.MintTask) error {
	task, err := tasks.NewMintTask(t)
	if err != nil {
		return err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("补偿铸币已排队", zap.String("task_id", info.ID), zap.String("reason", t.Reason))
	return nil
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}
