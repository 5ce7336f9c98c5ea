package service

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"btc-minter/internal/minter"
	"btc-minter/pkg/errno"
	"btc-minter/pkg/logger"
	"btc-minter/pkg/monitor"
	"btc-minter/pkg/utils/lock"
)

// Engine CronService 需要的 minter 操作
type Engine interface {
	Reconcile(ctx context.Context) (minter.ReconcileReport, error)
	SaveSnapshot(ctx context.Context, store minter.SnapshotStore) error
	Stats() minter.Stats
}

const (
	reconcileLockKey  = "cron:lock:reconcile"
	checkpointLockKey = "cron:lock:checkpoint"
)

// CronService 周期性对账与快照落盘
type CronService struct {
	cron   *cron.Cron
	engine Engine
	store  minter.SnapshotStore
	locker lock.DistributedLock

	reconcileSpec  string
	checkpointSpec string

	// OnInvariantViolation 对账发现不变量被破坏时调用，通常是停机
	OnInvariantViolation func(err error)
}

func NewCronService(engine Engine, store minter.SnapshotStore, locker lock.DistributedLock, reconcileSpec, checkpointSpec string) *CronService {
	if locker == nil {
		locker = lock.Nop{}
	}
	return &CronService{
		cron:           cron.New(),
		engine:         engine,
		store:          store,
		locker:         locker,
		reconcileSpec:  reconcileSpec,
		checkpointSpec: checkpointSpec,
	}
}

func (s *CronService) Start() error {
	// 注册任务，空表达式表示不启用
	if s.reconcileSpec != "" {
		if _, err := s.cron.AddFunc(s.reconcileSpec, func() { s.RunReconcile(context.Background()) }); err != nil {
			return err
		}
	}
	if s.checkpointSpec != "" && s.store != nil {
		if _, err := s.cron.AddFunc(s.checkpointSpec, func() { s.RunCheckpoint(context.Background()) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	logger.Info("Cron Service started",
		zap.String("reconcile", s.reconcileSpec),
		zap.String("checkpoint", s.checkpointSpec))
	return nil
}

// Stop 等待正在执行的任务结束
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Cron Service stopped")
}

// RunReconcile 对账一次并刷新托管指标
func (s *CronService) RunReconcile(ctx context.Context) {
	// 1. 获取分布式锁，防止多实例同时执行
	locked, err := s.locker.Acquire(ctx, reconcileLockKey, time.Minute)
	if err != nil || !locked {
		logger.Debug("Reconcile: 获取锁失败或已有实例在运行")
		return
	}
	defer s.locker.Release(ctx, reconcileLockKey)

	// 2. 对账
	start := time.Now()
	report, err := s.engine.Reconcile(ctx)
	if monitor.Business != nil {
		monitor.Business.ReconcileDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, errno.ErrInvariantViolation) {
			logger.Error("对账发现不变量被破坏", zap.Error(err))
			if s.OnInvariantViolation != nil {
				s.OnInvariantViolation(err)
			}
			return
		}
		logger.Warn("对账失败", zap.Error(err))
	} else if report.Confirmed+report.Resubmitted+report.Processed > 0 {
		logger.Info("对账完成",
			zap.Int("confirmed", report.Confirmed),
			zap.Int("resubmitted", report.Resubmitted),
			zap.Int("processed", report.Processed))
	}

	// 3. 刷新指标
	s.observe()
}

func (s *CronService) observe() {
	if monitor.Business == nil {
		return
	}
	st := s.engine.Stats()
	for state, n := range st.ByState {
		monitor.Business.CustodyUtxos.WithLabelValues(string(state)).Set(float64(n))
	}
	btc, _ := decimal.NewFromInt(int64(st.FreeBalance)).Shift(-8).Float64()
	monitor.Business.CustodyBalanceBTC.Set(btc)
	monitor.Business.SubmittedQueueLength.Set(float64(st.Submitted))
}

// RunCheckpoint 把当前状态写入快照存储
func (s *CronService) RunCheckpoint(ctx context.Context) {
	locked, err := s.locker.Acquire(ctx, checkpointLockKey, time.Minute)
	if err != nil || !locked {
		logger.Debug("Checkpoint: 获取锁失败或已有实例在运行")
		return
	}
	defer s.locker.Release(ctx, checkpointLockKey)

	if err := s.engine.SaveSnapshot(ctx, s.store); err != nil {
		logger.Error("保存快照失败", zap.Error(err))
		return
	}
	logger.Debug("快照已保存")
}
