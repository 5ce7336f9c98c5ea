package minter

import (
	"fmt"
	"sort"
	"strings"

	"btc-minter/pkg/errno"
)

// ModeKind 运行模式
type ModeKind string

const (
	ModeGeneralAvailability  ModeKind = "GeneralAvailability"
	ModeReadOnly             ModeKind = "ReadOnly"
	ModeRestrictedTo         ModeKind = "RestrictedTo"
	ModeDepositsRestrictedTo ModeKind = "DepositsRestrictedTo"
)

// Operation 是被模式门控制的变更操作
type Operation int

const (
	OpDeposit Operation = iota
	OpWithdrawal
)

func (o Operation) String() string {
	if o == OpDeposit {
		return "update_balance"
	}
	return "retrieve_btc"
}

// Mode 只在 configure/升级时改变
type Mode struct {
	Kind      ModeKind
	AllowList []string
}

func GeneralAvailability() Mode { return Mode{Kind: ModeGeneralAvailability} }
func ReadOnly() Mode            { return Mode{Kind: ModeReadOnly} }
func RestrictedTo(principals ...string) Mode {
	return Mode{Kind: ModeRestrictedTo, AllowList: normalizeAllowList(principals)}
}
func DepositsRestrictedTo(principals ...string) Mode {
	return Mode{Kind: ModeDepositsRestrictedTo, AllowList: normalizeAllowList(principals)}
}

// ParseMode 由配置项构造 Mode
func ParseMode(kind string, allowList []string) (Mode, error) {
	switch ModeKind(kind) {
	case "", ModeGeneralAvailability:
		return GeneralAvailability(), nil
	case ModeReadOnly:
		return ReadOnly(), nil
	case ModeRestrictedTo:
		return RestrictedTo(allowList...), nil
	case ModeDepositsRestrictedTo:
		return DepositsRestrictedTo(allowList...), nil
	default:
		return Mode{}, errno.ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown mode %q", kind))
	}
}

func normalizeAllowList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m Mode) allows(caller string) bool {
	i := sort.SearchStrings(m.AllowList, caller)
	return i < len(m.AllowList) && m.AllowList[i] == caller
}

// Gate 是两条流水线共用的唯一访问控制函数
//
//	GeneralAvailability      充值: 所有人   提现: 所有人
//	ReadOnly                 充值: 拒绝     提现: 拒绝
//	RestrictedTo(list)       充值: list     提现: list
//	DepositsRestrictedTo     充值: list     提现: 所有人
func (m Mode) Gate(op Operation, caller string) error {
	switch m.Kind {
	case ModeGeneralAvailability:
		return nil
	case ModeReadOnly:
		return unavailable("the minter is in read-only mode")
	case ModeRestrictedTo:
		if m.allows(caller) {
			return nil
		}
		return unavailable("%s is restricted to a list of principals", op)
	case ModeDepositsRestrictedTo:
		if op == OpWithdrawal || m.allows(caller) {
			return nil
		}
		return unavailable("deposits are restricted to a list of principals")
	default:
		return invariantf("unknown mode %q", m.Kind)
	}
}

func (m Mode) String() string {
	if len(m.AllowList) == 0 {
		return string(m.Kind)
	}
	return fmt.Sprintf("%s(%s)", m.Kind, strings.Join(m.AllowList, ","))
}
