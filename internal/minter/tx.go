package minter

import (
	"bytes"
	"encoding/hex"

	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// rbfSequence 表示可替换 (BIP-125)
const rbfSequence = wire.MaxTxInSequenceNum - 2

// UnsignedTx 交给签名方的待签交易和每个输入的上下文
type UnsignedTx struct {
	Tx          *wire.MsgTx
	InputValues []uint64
	PrevScripts [][]byte
	Paths       [][]uint32

	DestValue   uint64
	ChangeValue uint64
	ChangeIndex int32
	Fee         uint64
}

// TxHash 未签名交易的 txid (隔离见证交易签名不影响 txid)
func (u *UnsignedTx) TxHash() chainhash.Hash {
	return u.Tx.TxHash()
}

type txOutputs struct {
	destScript   []byte
	changeScript []byte
	payout       uint64 // 输入需要覆盖的金额，目标地址收到 payout - fee
	fee          uint64
}

// buildUnsignedTx 输入按 outpoint 排序，输出依次为目标地址与找零
// 粉尘找零会并入手续费
func buildUnsignedTx(inputs []Utxo, scripts map[OutPoint][]byte, o txOutputs) (*UnsignedTx, error) {
	if len(inputs) == 0 {
		return nil, genericError("no inputs")
	}
	var total uint64
	for _, in := range inputs {
		total += in.Value
	}
	if total < o.payout {
		return nil, invariantf("inputs cover %d, need %d", total, o.payout)
	}
	if o.payout <= o.fee || isDust(o.payout-o.fee, o.destScript) {
		return nil, errno.ErrAmountTooLow.WithMessage("amount does not cover the network fee")
	}

	fee := o.fee
	destValue := o.payout - o.fee
	change := total - o.payout
	if change > 0 && isDust(change, o.changeScript) {
		fee += change
		change = 0
	}

	tx := wire.NewMsgTx(2)
	u := &UnsignedTx{
		Tx:          tx,
		DestValue:   destValue,
		ChangeValue: change,
		ChangeIndex: -1,
		Fee:         fee,
	}
	for _, in := range inputs {
		script, ok := scripts[in.OutPoint]
		if !ok {
			return nil, invariantf("missing prev script for %s", in.OutPoint)
		}
		op := wire.NewOutPoint(&in.OutPoint.TxID, in.OutPoint.Vout)
		txIn := wire.NewTxIn(op, nil, nil)
		txIn.Sequence = rbfSequence
		tx.AddTxIn(txIn)
		u.InputValues = append(u.InputValues, in.Value)
		u.PrevScripts = append(u.PrevScripts, script)
		u.Paths = append(u.Paths, in.DerivationPath)
	}

	tx.AddTxOut(wire.NewTxOut(int64(destValue), o.destScript))
	if change > 0 {
		u.ChangeIndex = int32(len(tx.TxOut))
		tx.AddTxOut(wire.NewTxOut(int64(change), o.changeScript))
	}
	return u, nil
}

// serializeTx 带见证序列化
func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRawTx 解析带见证的原始交易字节，CLI 检查快照时使用
func DecodeRawTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func txHex(raw []byte) string { return hex.EncodeToString(raw) }
