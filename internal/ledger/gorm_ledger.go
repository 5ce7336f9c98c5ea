package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"btc-minter/internal/minter"
	"btc-minter/internal/model"
	"btc-minter/pkg/errno"
	"btc-minter/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDedupConflict 同一个 dedupKey 被用于不同的操作
var ErrDedupConflict = minter.ErrDedupConflict

// GormLedger 代币账本的 PostgreSQL 实现。
// 每次记账一个事务: 先查 dedupKey，再锁账户行改余额，最后写流水
type GormLedger struct {
	db *gorm.DB
}

var _ minter.Ledger = (*GormLedger)(nil)

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func sats(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toSats(d decimal.Decimal) uint64 {
	if d.Sign() <= 0 {
		return 0
	}
	return d.BigInt().Uint64()
}

func (l *GormLedger) Mint(ctx context.Context, to minter.Account, amount uint64, dedupKey string) (uint64, error) {
	return l.apply(ctx, model.LedgerKindMint, to, amount, dedupKey)
}

// Burn 余额不足时返回 errno.ErrInsufficientFunds，不写任何记录
func (l *GormLedger) Burn(ctx context.Context, from minter.Account, amount uint64, dedupKey string) (uint64, error) {
	return l.apply(ctx, model.LedgerKindBurn, from, amount, dedupKey)
}

func (l *GormLedger) apply(ctx context.Context, kind string, acc minter.Account, amount uint64, dedupKey string) (uint64, error) {
	if dedupKey == "" {
		return 0, errors.New("dedup key is required")
	}

	var blockIndex uint64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 已经记过账直接返回
		if idx, found, err := findDedup(tx, kind, acc, amount, dedupKey); err != nil || found {
			blockIndex = idx
			return err
		}

		// 2. 锁账户行 (不存在则先创建)
		account, err := lockAccount(tx, acc)
		if err != nil {
			return err
		}

		// 3. 改余额
		delta := sats(amount)
		switch kind {
		case model.LedgerKindMint:
			account.Balance = account.Balance.Add(delta)
		case model.LedgerKindBurn:
			if account.Balance.LessThan(delta) {
				return errno.ErrInsufficientFunds
			}
			account.Balance = account.Balance.Sub(delta)
		}
		account.Version++
		if err := tx.Save(account).Error; err != nil {
			return err
		}

		// 4. 写流水
		rec := model.LedgerTransaction{
			Kind:       kind,
			Owner:      acc.Owner,
			Subaccount: acc.Subaccount.Hex(),
			Amount:     delta,
			DedupKey:   dedupKey,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		blockIndex = rec.ID
		return nil
	})
	if err == nil {
		logger.Debug("账本记账", zap.String("kind", kind), zap.String("account", acc.String()),
			zap.Uint64("amount", amount), zap.Uint64("block_index", blockIndex))
		return blockIndex, nil
	}
	if errors.Is(err, errno.ErrInsufficientFunds) || errors.Is(err, ErrDedupConflict) {
		return 0, err
	}

	// 并发的同 key 请求撞上唯一索引: 以先提交的为准
	idx, found, ferr := findDedup(l.db.WithContext(ctx), kind, acc, amount, dedupKey)
	if errors.Is(ferr, ErrDedupConflict) {
		return 0, ferr
	}
	if ferr == nil && found {
		return idx, nil
	}
	return 0, fmt.Errorf("ledger %s: %w", kind, err)
}

// findDedup 命中的流水必须与本次操作的类型、账户、金额完全一致
func findDedup(db *gorm.DB, kind string, acc minter.Account, amount uint64, dedupKey string) (uint64, bool, error) {
	var rec model.LedgerTransaction
	err := db.Where("dedup_key = ?", dedupKey).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if rec.Kind != kind {
		return 0, false, fmt.Errorf("%w: %s was a %s", ErrDedupConflict, dedupKey, rec.Kind)
	}
	if rec.Owner != acc.Owner || rec.Subaccount != acc.Subaccount.Hex() {
		return 0, false, fmt.Errorf("%w: %s belongs to %s/%s", ErrDedupConflict, dedupKey, rec.Owner, rec.Subaccount)
	}
	if !rec.Amount.Equal(sats(amount)) {
		return 0, false, fmt.Errorf("%w: %s recorded amount %s", ErrDedupConflict, dedupKey, rec.Amount)
	}
	return rec.ID, true, nil
}

func lockAccount(tx *gorm.DB, acc minter.Account) (*model.TokenAccount, error) {
	row := model.TokenAccount{Owner: acc.Owner, Subaccount: acc.Subaccount.Hex()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, err
	}

	var account model.TokenAccount
	// 悲观锁: SELECT ... FOR UPDATE
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner = ? AND subaccount = ?", row.Owner, row.Subaccount).
		Take(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// Balance 查询余额，不存在的账户余额为 0
func (l *GormLedger) Balance(ctx context.Context, acc minter.Account) (uint64, error) {
	var account model.TokenAccount
	err := l.db.WithContext(ctx).
		Where("owner = ? AND subaccount = ?", acc.Owner, acc.Subaccount.Hex()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return toSats(account.Balance), nil
}

// History 账户最近的流水，按区块索引倒序
func (l *GormLedger) History(ctx context.Context, acc minter.Account, limit int) ([]model.LedgerTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.LedgerTransaction
	err := l.db.WithContext(ctx).
		Where("owner = ? AND subaccount = ?", acc.Owner, acc.Subaccount.Hex()).
		Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// TotalSupply 已发行总量 = 铸币 - 燃烧
func (l *GormLedger) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := l.db.WithContext(ctx).Model(&model.TokenAccount{}).
		Select("COALESCE(SUM(balance), 0)").Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total.Decimal, nil
}
