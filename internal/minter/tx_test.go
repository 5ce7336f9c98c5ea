package minter

import (
	"bytes"
	"context"
	"testing"

	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func p2wpkhScript(b byte) []byte {
	return append([]byte{0x00, 0x14}, bytes.Repeat([]byte{b}, 20)...)
}

func TestBuildUnsignedTx(t *testing.T) {
	inputs := []Utxo{
		{OutPoint: testOutPoint(2), Value: 30_000, DerivationPath: []uint32{1, 2}},
		{OutPoint: testOutPoint(1), Value: 40_000, DerivationPath: []uint32{1, 1}},
	}
	scripts := map[OutPoint][]byte{
		inputs[0].OutPoint: p2wpkhScript(0xaa),
		inputs[1].OutPoint: p2wpkhScript(0xbb),
	}

	u, err := buildUnsignedTx(inputs, scripts, txOutputs{
		destScript:   p2wpkhScript(0x01),
		changeScript: p2wpkhScript(0x02),
		payout:       50_000,
		fee:          2_000,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), u.Tx.Version)
	require.Len(t, u.Tx.TxIn, 2)
	for i, in := range u.Tx.TxIn {
		assert.Equal(t, rbfSequence, in.Sequence)
		assert.Equal(t, inputs[i].OutPoint.TxID, in.PreviousOutPoint.Hash)
		assert.Equal(t, scripts[inputs[i].OutPoint], u.PrevScripts[i])
		assert.Equal(t, inputs[i].DerivationPath, u.Paths[i])
		assert.Equal(t, inputs[i].Value, u.InputValues[i])
	}
	require.Len(t, u.Tx.TxOut, 2)
	assert.Equal(t, int64(48_000), u.Tx.TxOut[0].Value)
	assert.Equal(t, int64(20_000), u.Tx.TxOut[1].Value)
	assert.Equal(t, int32(1), u.ChangeIndex)
	assert.Equal(t, uint64(48_000), u.DestValue)
	assert.Equal(t, uint64(2_000), u.Fee)

	raw, err := serializeTx(u.Tx)
	require.NoError(t, err)
	decoded, err := DecodeRawTx(raw)
	require.NoError(t, err)
	assert.Equal(t, u.TxHash(), decoded.TxHash())
}

func TestBuildUnsignedTxFoldsDustChange(t *testing.T) {
	in := []Utxo{{OutPoint: testOutPoint(1), Value: 50_100}}
	u, err := buildUnsignedTx(in, map[OutPoint][]byte{in[0].OutPoint: p2wpkhScript(0xaa)}, txOutputs{
		destScript:   p2wpkhScript(0x01),
		changeScript: p2wpkhScript(0x02),
		payout:       50_000,
		fee:          1_000,
	})
	require.NoError(t, err)
	require.Len(t, u.Tx.TxOut, 1)
	assert.Equal(t, int32(-1), u.ChangeIndex)
	assert.Equal(t, uint64(1_100), u.Fee)
	assert.Equal(t, uint64(49_000), u.DestValue)
}

func TestBuildUnsignedTxRejectsFeeAboveAmount(t *testing.T) {
	in := []Utxo{{OutPoint: testOutPoint(1), Value: 10_000}}
	scripts := map[OutPoint][]byte{in[0].OutPoint: p2wpkhScript(0xaa)}

	_, err := buildUnsignedTx(in, scripts, txOutputs{
		destScript: p2wpkhScript(0x01), changeScript: p2wpkhScript(0x02), payout: 1_000, fee: 1_000,
	})
	assert.ErrorIs(t, err, errno.ErrAmountTooLow)

	// 扣掉手续费后是粉尘
	_, err = buildUnsignedTx(in, scripts, txOutputs{
		destScript: p2wpkhScript(0x01), changeScript: p2wpkhScript(0x02), payout: 1_100, fee: 1_000,
	})
	assert.ErrorIs(t, err, errno.ErrAmountTooLow)

	_, err = buildUnsignedTx(in, scripts, txOutputs{
		destScript: p2wpkhScript(0x01), changeScript: p2wpkhScript(0x02), payout: 20_000, fee: 1_000,
	})
	assert.ErrorIs(t, err, errno.ErrInvariantViolation)
}

func TestFeeEstimator(t *testing.T) {
	ctx := context.Background()
	est := NewStaticFeeEstimator(10)

	one, err := est.EstimateFee(ctx, 1, 2)
	require.NoError(t, err)
	two, err := est.EstimateFee(ctx, 2, 2)
	require.NoError(t, err)
	assert.Greater(t, two, one)
	assert.Equal(t, uint64(EstimateVSize(1, 2))*10, one)

	bumped, err := est.BumpFee(ctx, one, 1, 2)
	require.NoError(t, err)
	assert.Greater(t, bumped, one, "replacement must pay more than the original")

	// 当前费率远高于旧费用时直接取当前估算
	high := &VSizeEstimator{Rate: StaticRate(100)}
	bumped, err = high.BumpFee(ctx, one, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(EstimateVSize(1, 2))*100, bumped)
}

func TestDecodeRawTxRejectsGarbage(t *testing.T) {
	_, err := DecodeRawTx([]byte{0x01, 0x02})
	assert.Error(t, err)

	tx := wire.NewMsgTx(2)
	raw, err := serializeTx(tx)
	require.NoError(t, err)
	assert.NotEmpty(t, txHex(raw))
}

func TestIsDust(t *testing.T) {
	// P2WPKH: 3 * (31 + 41 + 107/4) = 294
	assert.True(t, isDust(293, p2wpkhScript(0x01)))
	assert.False(t, isDust(294, p2wpkhScript(0x01)))

	// 非见证脚本的门槛更高
	p2pkh := append([]byte{0x76, 0xa9, 0x14}, make([]byte, 20)...)
	p2pkh = append(p2pkh, 0x88, 0xac)
	assert.True(t, isDust(500, p2pkh))
	assert.False(t, isDust(546, p2pkh))
}
