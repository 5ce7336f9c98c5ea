package minter

import (
	"fmt"
	"time"

	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/chaincfg"
)

// Config 是安装参数，之后只能通过 UpgradeArgs 部分更新
type Config struct {
	Network              string
	MinterID             string // 托管身份，任何解析到它的 owner 都会被拒绝
	EcdsaKeyName         string
	MinConfirmations     uint32
	RetrieveBtcMinAmount uint64
	MaxTimeInQueue       time.Duration
	KytFee               uint64
	KytPrincipal         string
	ScreeningEnabled     bool
	LedgerID             string
	Mode                 Mode
	Controllers          []string // 允许调用 configure 的身份
}

// UpgradeArgs 中为 nil 的字段保留旧值
type UpgradeArgs struct {
	MinConfirmations     *uint32
	RetrieveBtcMinAmount *uint64
	MaxTimeInQueue       *time.Duration
	KytFee               *uint64
	KytPrincipal         *string
	ScreeningEnabled     *bool
	Mode                 *Mode
	Controllers          []string
}

// IsEmpty 没有任何字段被设置
func (u *UpgradeArgs) IsEmpty() bool {
	return u == nil || (u.MinConfirmations == nil && u.RetrieveBtcMinAmount == nil &&
		u.MaxTimeInQueue == nil && u.KytFee == nil && u.KytPrincipal == nil &&
		u.ScreeningEnabled == nil && u.Mode == nil && u.Controllers == nil)
}

// NetworkParams 把网络名映射到 chaincfg 参数
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "regression":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errno.ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown network %q", name))
	}
}

// Validate 校验安装参数
func (c *Config) Validate() error {
	if _, err := NetworkParams(c.Network); err != nil {
		return err
	}
	if c.MinterID == "" {
		return errno.ErrInvalidConfig.WithMessage("minter id must not be empty")
	}
	if c.MinConfirmations == 0 {
		return errno.ErrInvalidConfig.WithMessage("min_confirmations must be at least 1")
	}
	if c.RetrieveBtcMinAmount <= c.KytFee {
		return errno.ErrInvalidConfig.WithMessage(fmt.Sprintf(
			"retrieve_btc_min_amount (%d) must exceed kyt_fee (%d)", c.RetrieveBtcMinAmount, c.KytFee))
	}
	if c.MaxTimeInQueue < 0 {
		return errno.ErrInvalidConfig.WithMessage("max_time_in_queue must not be negative")
	}
	if c.ScreeningEnabled && c.KytPrincipal == "" {
		return errno.ErrInvalidConfig.WithMessage("screening enabled without kyt_principal")
	}
	if _, err := ParseMode(string(c.Mode.Kind), c.Mode.AllowList); err != nil {
		return err
	}
	return nil
}

// Apply 单调部分更新: 未设置的字段保留旧值
// min_confirmations 只能降低，升高会被忽略并在 warnings 中说明
func (c Config) Apply(u *UpgradeArgs) (Config, []string, error) {
	if u.IsEmpty() {
		return c, nil, nil
	}

	var warnings []string
	next := c
	next.Controllers = append([]string(nil), c.Controllers...)

	if u.MinConfirmations != nil {
		if *u.MinConfirmations < c.MinConfirmations {
			next.MinConfirmations = *u.MinConfirmations
		} else if *u.MinConfirmations > c.MinConfirmations {
			warnings = append(warnings, fmt.Sprintf(
				"ignoring min_confirmations increase from %d to %d", c.MinConfirmations, *u.MinConfirmations))
		}
	}
	if u.RetrieveBtcMinAmount != nil {
		next.RetrieveBtcMinAmount = *u.RetrieveBtcMinAmount
	}
	if u.MaxTimeInQueue != nil {
		next.MaxTimeInQueue = *u.MaxTimeInQueue
	}
	if u.KytFee != nil {
		next.KytFee = *u.KytFee
	}
	if u.KytPrincipal != nil {
		next.KytPrincipal = *u.KytPrincipal
	}
	if u.ScreeningEnabled != nil {
		next.ScreeningEnabled = *u.ScreeningEnabled
	}
	if u.Mode != nil {
		m, err := ParseMode(string(u.Mode.Kind), u.Mode.AllowList)
		if err != nil {
			return c, nil, err
		}
		next.Mode = m
	}
	if u.Controllers != nil {
		next.Controllers = append([]string(nil), u.Controllers...)
	}

	if err := next.Validate(); err != nil {
		return c, nil, err
	}
	return next, warnings, nil
}

func (c *Config) isController(caller string) bool {
	for _, p := range c.Controllers {
		if p == caller {
			return true
		}
	}
	return false
}
