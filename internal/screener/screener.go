package screener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"btc-minter/internal/minter"
	"btc-minter/pkg/cache"
	"btc-minter/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AllowAll 不做筛查，所有输出都视为干净
type AllowAll struct{}

func (AllowAll) Check(context.Context, minter.Utxo, minter.Account) (minter.Verdict, error) {
	return minter.VerdictClean, nil
}

// DenyList 查询一组成员里哪些被列入黑名单
type DenyList interface {
	Contains(ctx context.Context, members ...string) ([]bool, error)
}

// denyMembers 输出命中交易、具体输出或账户所有者任一即视为污染
func denyMembers(u minter.Utxo, owner minter.Account) []string {
	return []string{
		"tx:" + u.OutPoint.TxID.String(),
		"utxo:" + u.OutPoint.String(),
		"owner:" + owner.Owner,
	}
}

// ListScreener 基于黑名单的筛查
type ListScreener struct {
	list DenyList
}

func NewListScreener(list DenyList) *ListScreener {
	return &ListScreener{list: list}
}

func (s *ListScreener) Check(ctx context.Context, u minter.Utxo, owner minter.Account) (minter.Verdict, error) {
	hits, err := s.list.Contains(ctx, denyMembers(u, owner)...)
	if err != nil {
		return minter.VerdictClean, fmt.Errorf("deny list lookup: %w", err)
	}
	for _, hit := range hits {
		if hit {
			return minter.VerdictTainted, nil
		}
	}
	return minter.VerdictClean, nil
}

// RedisDenyList 黑名单存在一个 Redis Set 里，由合规团队维护
type RedisDenyList struct {
	client *redis.Client
	key    string
}

const DefaultDenyListKey = "screener:denylist"

func NewRedisDenyList(client *redis.Client, key string) *RedisDenyList {
	if key == "" {
		key = DefaultDenyListKey
	}
	return &RedisDenyList{client: client, key: key}
}

func (l *RedisDenyList) Contains(ctx context.Context, members ...string) ([]bool, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return l.client.SMIsMember(ctx, l.key, args...).Result()
}

// AddTx 运维接口: 把交易加入黑名单
func (l *RedisDenyList) AddTx(ctx context.Context, txid string) error {
	return l.client.SAdd(ctx, l.key, "tx:"+txid).Err()
}

// StaticDenyList 进程内黑名单，用于测试和单机部署
type StaticDenyList map[string]struct{}

func NewStaticDenyList(members ...string) StaticDenyList {
	l := make(StaticDenyList, len(members))
	for _, m := range members {
		l[m] = struct{}{}
	}
	return l
}

func (l StaticDenyList) Contains(_ context.Context, members ...string) ([]bool, error) {
	out := make([]bool, len(members))
	for i, m := range members {
		_, out[i] = l[m]
	}
	return out, nil
}

type cachedVerdict struct {
	Tainted bool      `json:"tainted"`
	At      time.Time `json:"at"`
}

// Cached 缓存筛查结论。同一个输出只需要问一次筛查服务
type Cached struct {
	inner minter.Screener
	cache cache.Cache
	ttl   time.Duration
}

func NewCached(inner minter.Screener, c cache.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cached{inner: inner, cache: c, ttl: ttl}
}

func (c *Cached) Check(ctx context.Context, u minter.Utxo, owner minter.Account) (minter.Verdict, error) {
	key := "verdict:" + u.OutPoint.String()

	// 1. 查缓存
	var v cachedVerdict
	err := c.cache.Get(ctx, key, &v)
	if err == nil {
		if v.Tainted {
			return minter.VerdictTainted, nil
		}
		return minter.VerdictClean, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Warn("读取筛查缓存失败", zap.String("key", key), zap.Error(err))
	}

	// 2. 查筛查服务
	verdict, err := c.inner.Check(ctx, u, owner)
	if err != nil {
		return verdict, err
	}

	// 3. 回写
	if err := c.cache.Set(ctx, key, cachedVerdict{Tainted: verdict == minter.VerdictTainted, At: time.Now().UTC()}, c.ttl); err != nil {
		logger.Warn("写入筛查缓存失败", zap.String("key", key), zap.Error(err))
	}
	return verdict, nil
}

var (
	_ minter.Screener = AllowAll{}
	_ minter.Screener = (*ListScreener)(nil)
	_ minter.Screener = (*Cached)(nil)
	_ DenyList        = (*RedisDenyList)(nil)
	_ DenyList        = StaticDenyList(nil)
)
