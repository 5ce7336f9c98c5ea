package minter

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// p2wpkhScriptSize OP_0 <20-byte hash>
const p2wpkhScriptSize = 22

// FeeEstimator 可插拔的手续费估算
type FeeEstimator interface {
	// EstimateFee 估算 nIn 个 P2WPKH 输入、nOut 个输出的交易手续费 (sat)
	EstimateFee(ctx context.Context, nIn, nOut int) (uint64, error)
	// BumpFee 估算替换交易的手续费，结果必须满足 BIP-125 的增量要求
	BumpFee(ctx context.Context, prevFee uint64, nIn, nOut int) (uint64, error)
}

// FeeRateSource 给出当前的 sat/vB 费率
type FeeRateSource interface {
	FeeRate(ctx context.Context) (uint64, error)
}

// StaticRate 固定费率
type StaticRate uint64

func (r StaticRate) FeeRate(context.Context) (uint64, error) { return uint64(r), nil }

// VSizeEstimator 用 txsizes 估算虚拟大小再乘以费率
type VSizeEstimator struct {
	Rate FeeRateSource
}

func NewStaticFeeEstimator(satPerVB uint64) *VSizeEstimator {
	return &VSizeEstimator{Rate: StaticRate(satPerVB)}
}

// EstimateVSize 全部输入输出都是 P2WPKH
func EstimateVSize(nIn, nOut int) int {
	outs := make([]*wire.TxOut, nOut)
	for i := range outs {
		outs[i] = wire.NewTxOut(0, make([]byte, p2wpkhScriptSize))
	}
	return txsizes.EstimateVirtualSize(0, 0, nIn, 0, outs, 0)
}

func (e *VSizeEstimator) EstimateFee(ctx context.Context, nIn, nOut int) (uint64, error) {
	rate, err := e.Rate.FeeRate(ctx)
	if err != nil {
		return 0, err
	}
	if rate == 0 {
		rate = 1
	}
	return uint64(EstimateVSize(nIn, nOut)) * rate, nil
}

// BumpFee 新费用取当前估算与 "旧费用 + 最低中继费" 中较大者
func (e *VSizeEstimator) BumpFee(ctx context.Context, prevFee uint64, nIn, nOut int) (uint64, error) {
	fresh, err := e.EstimateFee(ctx, nIn, nOut)
	if err != nil {
		return 0, err
	}
	incr := uint64(txrules.FeeForSerializeSize(txrules.DefaultRelayFeePerKb, EstimateVSize(nIn, nOut)))
	if floor := prevFee + incr; fresh < floor {
		return floor, nil
	}
	return fresh, nil
}

// isDust 按默认中继费判断输出是否是粉尘，见证脚本的门槛更低
func isDust(value uint64, pkScript []byte) bool {
	return txrules.IsDustOutput(wire.NewTxOut(int64(value), pkScript), txrules.DefaultRelayFeePerKb)
}
