package main

import (
	"errors"
	"flag"

	"btc-minter/pkg/config"
	"btc-minter/pkg/database"
	"btc-minter/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

func main() {
	var (
		command string
		dir     string
		steps   int
		version int
	)
	flag.StringVar(&command, "cmd", "up", "Command to run: up, down, steps, version, force")
	flag.StringVar(&dir, "dir", "migrations", "Migration files directory")
	flag.IntVar(&steps, "n", 1, "Number of steps for -cmd steps (negative rolls back)")
	flag.IntVar(&version, "v", 0, "Version for -cmd force")
	flag.Parse()

	// 加载配置
	config.Init()
	logger.Init(config.Global.App.Env)
	defer logger.Sync()

	m, err := migrate.New("file://"+dir, database.MigrateURL(config.Global.DB))
	if err != nil {
		logger.Fatal("Migration init failed", zap.Error(err))
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		err = m.Steps(steps)
	case "force":
		err = m.Force(version)
	case "version":
		v, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			logger.Fatal("读取版本失败", zap.Error(verr))
		}
		logger.Info("当前 schema 版本", zap.Uint("version", v), zap.Bool("dirty", dirty))
		return
	default:
		logger.Fatal("Unknown command", zap.String("cmd", command))
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Migration failed", zap.String("cmd", command), zap.Error(err))
	}
	logger.Info("Migration done", zap.String("cmd", command))
}
