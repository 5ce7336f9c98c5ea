package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"btc-minter/internal/minter"
	"btc-minter/pkg/logger"
)

const (
	TypeMint = "minter:mint"
	// QueueCritical 补偿铸币所在队列
	QueueCritical = "critical"
)

// ---------------------------------------------------------------------
// 1. Producer (Client) Code
// ---------------------------------------------------------------------

// NewMintTask 补偿铸币任务。TaskID 取 dedupKey，同一笔补偿只会排队一次
func NewMintTask(t minter.MintTask) (*asynq.Task, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	// 账本不可用可能持续较久，按 asynq 默认的指数退避最多重试 25 次
	return asynq.NewTask(TypeMint, payload,
		asynq.TaskID("mint:"+t.DedupKey),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(25),
		asynq.Timeout(time.Minute),
	), nil
}

// ---------------------------------------------------------------------
// 2. Consumer (Server) Code
// ---------------------------------------------------------------------

// MintHandler 重放补偿铸币。账本按 dedupKey 去重，重复执行是安全的
type MintHandler struct {
	ledger minter.Ledger
}

func NewMintHandler(ledger minter.Ledger) *MintHandler {
	return &MintHandler{ledger: ledger}
}

func (h *MintHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p minter.MintTask
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// JSON 解析失败，重试也没用，直接跳过 (SkipRetry)
		// 任务会进入 Archived 队列，方便排查
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	acc, err := p.Account()
	if err != nil {
		return fmt.Errorf("bad subaccount %q: %v: %w", p.Subaccount, err, asynq.SkipRetry)
	}
	if p.DedupKey == "" || p.Amount == 0 {
		return fmt.Errorf("invalid mint task %+v: %w", p, asynq.SkipRetry)
	}

	idx, err := h.ledger.Mint(ctx, acc, p.Amount, p.DedupKey)
	if err != nil {
		logger.Warn("补偿铸币重试失败", zap.String("dedup_key", p.DedupKey), zap.Error(err))
		return err
	}

	logger.Info("补偿铸币完成",
		zap.String("account", acc.String()),
		zap.Uint64("amount", p.Amount),
		zap.String("reason", p.Reason),
		zap.Uint64("block_index", idx),
	)
	return nil
}
