package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"btc-minter/internal/minter"
	"btc-minter/internal/worker/tasks"
	"btc-minter/pkg/logger"
)

// 补偿铸币走 critical 队列
var queues = map[string]int{
	tasks.QueueCritical: 6,
	"default":           3,
}

// Server 消费补偿铸币任务
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewServer(addr string, password string, db int, concurrency int, ledger minter.Ledger) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: addr, Password: password, DB: db},
		asynq.Config{
			Concurrency: concurrency,
			Queues:      queues,
			Logger:      logger.NewAsynqLogger(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("补偿铸币失败",
					zap.String("type", task.Type()),
					zap.Int("retried", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err))
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeMint, tasks.NewMintHandler(ledger))
	return &Server{server: srv, mux: mux}
}

// Start 非阻塞
func (s *Server) Start() error {
	logger.Info("补偿铸币 Worker 启动", zap.String("task", tasks.TypeMint))
	return s.server.Start(s.mux)
}

// Stop 先停止拉取新任务，再等待进行中的任务结束
func (s *Server) Stop() {
	s.server.Stop()
	s.server.Shutdown()
}
