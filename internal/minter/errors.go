package minter

import (
	"fmt"

	"btc-minter/pkg/errno"
)

// InvariantError 表示对账逻辑本身出了问题，不应被吞掉
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

func (e *InvariantError) Unwrap() error {
	return errno.ErrInvariantViolation
}

func invariantf(format string, args ...interface{}) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// NoNewUtxosError 没有可入账的新输出，带上未达确认数输出的当前/所需确认数
type NoNewUtxosError struct {
	CurrentConfirmations  uint32
	RequiredConfirmations uint32
	PendingUtxos          []UtxoStatus
}

func (e *NoNewUtxosError) Error() string {
	if len(e.PendingUtxos) == 0 {
		return "no new utxos"
	}
	return fmt.Sprintf("no new utxos: %d pending, %d/%d confirmations",
		len(e.PendingUtxos), e.CurrentConfirmations, e.RequiredConfirmations)
}

func (e *NoNewUtxosError) Unwrap() error {
	return errno.ErrNoNewUtxos
}

func genericError(format string, args ...interface{}) error {
	return errno.ErrGeneric.WithMessage(fmt.Sprintf(format, args...))
}

func unavailable(format string, args ...interface{}) error {
	return errno.ErrTemporarilyUnavailable.WithMessage(fmt.Sprintf(format, args...))
}
