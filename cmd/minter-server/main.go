package main

import (
	"context"
	"errors"
	"time"

	"btc-minter/internal/chain"
	"btc-minter/internal/handler"
	handler_grpc "btc-minter/internal/handler/grpc"
	"btc-minter/internal/ledger"
	"btc-minter/internal/minter"
	"btc-minter/internal/model"
	"btc-minter/internal/screener"
	"btc-minter/internal/server"
	"btc-minter/internal/service"
	"btc-minter/internal/service/mq"
	"btc-minter/internal/signer"
	"btc-minter/internal/store"
	"btc-minter/internal/worker"

	"btc-minter/pkg/cache"
	"btc-minter/pkg/config"
	"btc-minter/pkg/database"
	"btc-minter/pkg/kms"
	"btc-minter/pkg/logger"
	"btc-minter/pkg/monitor"
	"btc-minter/pkg/utils/lock"
	"btc-minter/pkg/validator"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "btc-minter/docs/swagger"
)

// snapshotsKept 快照表保留的版本数
const snapshotsKept = 20

// @title BTC Minter API
// @version 1.0
// @description Bitcoin custody bridge: deposit addresses, minting and withdrawals
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url http://www.swagger.io/support
// @contact.email support@swagger.io

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1
func main() {
	// 0. 初始化 Config
	config.Init()
	cfg := config.Global

	// 1. 初始化 Logger 与监控
	logger.Init(cfg.App.Env)
	defer logger.Sync()
	monitor.Init()

	network, err := minter.NetworkParams(cfg.Minter.Network)
	if err != nil {
		logger.Fatal("未知网络", zap.Error(err))
	}
	validator.Init(network)

	// 2. 连接数据库
	db, err := database.ConnectPostgres(database.DSN(cfg.DB), cfg.App.Env == "development")
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	if cfg.App.Env == "development" {
		logger.Info("开发环境: 尝试自动迁移 Schema (GORM AutoMigrate)...")
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("数据库自动迁移失败", zap.Error(err))
		}
	} else {
		logger.Info("生产环境: 跳过 AutoMigrate，请使用 migrate 工具管理 Schema")
	}

	// 3. 连接 Redis
	rdb, err := database.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	// 4. 协作方
	esplora := chain.NewEsploraClient(cfg.Indexer, cfg.Minter.FeeRateSatPerVB, logger.Log)

	km := kms.NewLocalKMS()
	thresholdSigner, err := signer.LoadFromKeystore(cfg.Signer, km, network, cfg.Minter.XPub, logger.Log)
	if err != nil {
		logger.Fatal("加载签名分片失败", zap.Error(err))
	}
	xpub := cfg.Minter.XPub
	if xpub == "" {
		if xpub, err = thresholdSigner.XPub(); err != nil {
			logger.Fatal("恢复托管公钥失败", zap.Error(err))
		}
		logger.Warn("未配置 minter.xpub，使用签名分片恢复的公钥", zap.String("xpub", xpub))
	}

	tokenLedger := ledger.NewGormLedger(db)
	snapshots := store.NewSnapshotStore(db, cfg.Minter.MinterID, snapshotsKept)

	workerClient := worker.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	workerServer := worker.NewServer(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 10, tokenLedger)
	if err := workerServer.Start(); err != nil {
		logger.Fatal("Worker 启动失败", zap.Error(err))
	}

	deps := minter.Deps{
		Indexer:  esplora,
		Screener: newScreener(cfg.Screener, rdb),
		Signer:   thresholdSigner,
		Ledger:   tokenLedger,
		Fees:     &minter.VSizeEstimator{Rate: esplora},
		Clock:    clock.NewDefaultClock(),
		Events:   store.NewRecorder(db, cfg.Minter.Network),
		Mints:    workerClient,
		Logger:   logger.Log,
	}

	// 5. 恢复或安装 minter
	install, err := installConfig(cfg)
	if err != nil {
		logger.Fatal("安装参数无效", zap.Error(err))
	}
	upgrade, err := upgradeArgs(cfg)
	if err != nil {
		logger.Fatal("升级参数无效", zap.Error(err))
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	m, err := minter.LoadOrInstall(ctx, snapshots, install, xpub, upgrade, deps)
	if err != nil {
		logger.Fatal("minter 初始化失败", zap.Error(err))
	}
	if err := m.CheckInvariants(); err != nil {
		logger.Fatal("快照不变量检查失败", zap.Error(err))
	}
	if err := m.SaveSnapshot(ctx, snapshots); err != nil {
		logger.Fatal("保存初始快照失败", zap.Error(err))
	}

	// 6. 定时对账与快照
	cron := service.NewCronService(m, snapshots, lock.NewRedisLock(rdb), cfg.Minter.ReconcileSpec, cfg.Minter.CheckpointSpec)
	cron.OnInvariantViolation = func(err error) {
		// 停止对外服务，保留现场
		cancel(err)
	}
	if err := cron.Start(); err != nil {
		logger.Fatal("Cron 启动失败", zap.Error(err))
	}

	// 7. 消息队列: 本地消息表 -> MQ -> 指标
	producer, consumer := newMQ(cfg, rdb)
	relay := service.NewRelayService(db, producer)
	go relay.Start(ctx)
	go service.NewEventConsumer(consumer, monitor.Business).Run(ctx)

	// 8. HTTP + gRPC
	minterHandler := handler.NewMinterHandler(m, store.NewRecorder(db, cfg.Minter.Network))
	r := server.NewHTTPRouter(server.Handlers{
		Minter: minterHandler,
		Admin:  handler.NewAdminHandler(m),
		Health: handler.HealthCheck(m.MinterInfo),
	})
	grpcServer := server.NewGRPCServer(handler_grpc.NewMinterServer(m, m, validator.New(network), logger.Log))

	app, err := server.New(server.Config{
		HttpPort: cfg.App.HttpPort,
		GrpcPort: cfg.App.GrpcPort,
	}, r, grpcServer)
	if err != nil {
		logger.Fatal("应用启动失败", zap.Error(err))
	}

	// 运行 (阻塞)
	if err := app.Run(ctx); err != nil {
		logger.Error("服务异常退出", zap.Error(err))
	}

	// 9. 退出后资源清理
	cancel(nil)
	cron.Stop()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Error("因不变量被破坏退出，不写入最终快照", zap.Error(cause))
	} else {
		saveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.SaveSnapshot(saveCtx, snapshots); err != nil {
			logger.Error("保存最终快照失败", zap.Error(err))
		}
		done()
	}
	workerServer.Stop()
	_ = workerClient.Close()
	_ = producer.Close()
	_ = consumer.Close()
	if err := thresholdSigner.Seal(); err != nil {
		logger.Warn("封存签名分片失败", zap.Error(err))
	}

	logger.Info("正在关闭数据库连接...")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	rdb.Close()
	logger.Info("系统已退出")
}

// newScreener kind=redis 时使用 Redis 黑名单，结论经过本地 + Redis 两级缓存
func newScreener(c config.ScreenerConfig, rdb *redis.Client) minter.Screener {
	if c.Kind != "redis" {
		logger.Info("合规筛查: 全部放行")
		return screener.AllowAll{}
	}
	logger.Info("合规筛查: Redis 黑名单", zap.Duration("cache_ttl", c.CacheTTL))
	verdicts := cache.NewMultiLevelCache(
		cache.NewMemoryCache(c.CacheTTL, 2*c.CacheTTL),
		cache.NewRedisCache(rdb, "minter:screener:"),
	)
	return screener.NewCached(screener.NewListScreener(screener.NewRedisDenyList(rdb, "screener:denylist")), verdicts, c.CacheTTL)
}

func newMQ(cfg config.Config, rdb *redis.Client) (mq.Producer, mq.Consumer) {
	if cfg.Redis.MQType == "kafka" {
		logger.Info("使用 Kafka 作为消息队列...", zap.Strings("brokers", cfg.Kafka.Brokers))
		return mq.NewKafkaProducer(cfg.Kafka.Brokers), mq.NewKafkaConsumer(cfg.Kafka.Brokers, "minter_metrics_group")
	}
	logger.Info("使用 Redis Streams 作为消息队列...")
	return mq.NewRedisProducer(rdb, 100_000), mq.NewRedisConsumer(rdb, "minter_metrics", "metrics-0")
}
