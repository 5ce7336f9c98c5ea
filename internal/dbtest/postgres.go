//go:build integration_test

package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"btc-minter/internal/model"
	"btc-minter/pkg/database"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/gorm"
)

var (
	pgOnce     sync.Once
	pgAdminDSN string
	pgErr      error
)

// adminDSN 所有测试共享一个 Postgres 容器
func adminDSN(t testing.TB) string {
	t.Helper()

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("minter"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			pgErr = err
			return
		}
		pgAdminDSN, pgErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgErr, "failed to start Postgres container")
	return pgAdminDSN
}

// NewDB 为每个测试建一个独立的库并迁移全部表，测试结束后删除
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	admin := adminDSN(t)

	adminDB, err := database.ConnectPostgres(admin, false)
	require.NoError(t, err)

	name := "minter_test_" + strings.ToLower(strings.NewReplacer("/", "_", " ", "_", "-", "_").Replace(t.Name()))
	if len(name) > 60 {
		name = name[:60]
	}
	require.NoError(t, adminDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", name)).Error)
	require.NoError(t, adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", name)).Error)

	u, err := url.Parse(admin)
	require.NoError(t, err)
	u.Path = "/" + name
	db, err := database.ConnectPostgres(u.String(), false)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		_ = adminDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", name)).Error
		if sqlDB, err := adminDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
