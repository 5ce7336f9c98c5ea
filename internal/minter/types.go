package minter

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// AnonymousPrincipal 是未认证调用方的身份，它是合法的 owner
const AnonymousPrincipal = "2vxsx-fae"

// Subaccount 是 owner 下的 32 字节子身份，全零等价于不指定
type Subaccount [32]byte

// ParseSubaccount 空输入视为全零子账户，其余必须正好 32 字节
func ParseSubaccount(b []byte) (Subaccount, error) {
	var s Subaccount
	switch len(b) {
	case 0:
		return s, nil
	case len(s):
		copy(s[:], b)
		return s, nil
	default:
		return s, errno.ErrInvalidSubaccount
	}
}

// ParseSubaccountHex 解析 hex 形式的子账户
func ParseSubaccountHex(h string) (Subaccount, error) {
	if h == "" {
		return Subaccount{}, nil
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return Subaccount{}, errno.ErrInvalidSubaccount
	}
	return ParseSubaccount(b)
}

func (s Subaccount) IsZero() bool { return s == Subaccount{} }

func (s Subaccount) String() string { return hex.EncodeToString(s[:]) }

// Hex 用于持久化，全零子账户为空串
func (s Subaccount) Hex() string {
	if s.IsZero() {
		return ""
	}
	return s.String()
}

// Account 是身份键 (owner, subaccount)，同时决定充值地址和账本账户
type Account struct {
	Owner      string
	Subaccount Subaccount
}

func (a Account) String() string {
	if a.Subaccount.IsZero() {
		return a.Owner
	}
	return a.Owner + "." + a.Subaccount.String()
}

// OutPoint 唯一标识一个链上输出
type OutPoint struct {
	TxID chainhash.Hash
	Vout uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// Less 按 (txid, vout) 字典序比较
func (o OutPoint) Less(other OutPoint) bool {
	if c := bytes.Compare(o.TxID[:], other.TxID[:]); c != 0 {
		return c < 0
	}
	return o.Vout < other.Vout
}

// ParseOutPoint 解析 "txid:vout"
func ParseOutPoint(s string) (OutPoint, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	vout, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return OutPoint{}, fmt.Errorf("invalid vout in %q", s)
	}
	h, err := chainhash.NewHashFromStr(s[:i])
	if err != nil {
		return OutPoint{}, fmt.Errorf("invalid txid in %q: %w", s, err)
	}
	return OutPoint{TxID: *h, Vout: uint32(vout)}, nil
}

// Utxo 是托管单位
type Utxo struct {
	OutPoint       OutPoint
	Value          uint64
	Height         uint32
	DerivationPath []uint32
}

// ObservedUtxo 是索引器返回的输出，带当前确认数
type ObservedUtxo struct {
	OutPoint      OutPoint
	Value         uint64
	Height        uint32
	Confirmations uint32
}

// UtxoStatusKind 是 update_balance 对单个输出给出的结论
type UtxoStatusKind string

const (
	UtxoMinted        UtxoStatusKind = "Minted"
	UtxoAlreadyMinted UtxoStatusKind = "AlreadyMinted"
	UtxoValueTooSmall UtxoStatusKind = "ValueTooSmall"
	UtxoTainted       UtxoStatusKind = "Tainted"
	UtxoChecked       UtxoStatusKind = "Checked"
	UtxoPending       UtxoStatusKind = "Pending"
)

type UtxoStatus struct {
	Kind          UtxoStatusKind `json:"status"`
	OutPoint      string         `json:"outpoint"`
	Value         uint64         `json:"value"`
	MintedAmount  uint64         `json:"minted_amount,omitempty"`
	BlockIndex    uint64         `json:"block_index,omitempty"`
	Confirmations uint32         `json:"confirmations,omitempty"`
}

// WithdrawalStatus 提现请求状态
type WithdrawalStatus string

const (
	WithdrawalPending         WithdrawalStatus = "Pending"
	WithdrawalSelected        WithdrawalStatus = "Selected"
	WithdrawalSigningInFlight WithdrawalStatus = "SigningInFlight"
	WithdrawalSubmitted       WithdrawalStatus = "Submitted"
	WithdrawalConfirmed       WithdrawalStatus = "Confirmed"
	WithdrawalTimedOut        WithdrawalStatus = "TimedOut"
	WithdrawalRefunded        WithdrawalStatus = "Refunded"
)

// Final 终态请求会被归档
func (s WithdrawalStatus) Final() bool {
	return s == WithdrawalConfirmed || s == WithdrawalRefunded
}

// SubmittedTx 是一次广播，RBF 后一个请求可能有多笔
type SubmittedTx struct {
	TxID        chainhash.Hash
	Fee         uint64
	DestValue   uint64
	ChangeValue uint64
	ChangeIndex int32 // -1 表示没有找零
	RawTx       []byte
	SubmittedAt time.Time
}

// WithdrawalRequest ID 等于 burn 的区块索引
type WithdrawalRequest struct {
	ID               uint64
	IdempotencyKey   string
	Account          Account
	Destination      string
	Amount           uint64
	KytFee           uint64
	RequestedAt      time.Time
	Status           WithdrawalStatus
	Inputs           []OutPoint
	Txs              []SubmittedTx
	RefundBlockIndex uint64
	FinalizedAt      time.Time
}

// LastTx 返回最近一次广播
func (r *WithdrawalRequest) LastTx() *SubmittedTx {
	if len(r.Txs) == 0 {
		return nil
	}
	return &r.Txs[len(r.Txs)-1]
}

func (r *WithdrawalRequest) clone() *WithdrawalRequest {
	c := *r
	c.Inputs = append([]OutPoint(nil), r.Inputs...)
	c.Txs = append([]SubmittedTx(nil), r.Txs...)
	return &c
}

// RetrieveBtcStatus 是 retrieve_btc_status 的返回
type RetrieveBtcStatus struct {
	BlockIndex  uint64           `json:"block_index"`
	Status      WithdrawalStatus `json:"status"`
	Destination string           `json:"destination"`
	Amount      uint64           `json:"amount"`
	TxID        string           `json:"txid,omitempty"`
	AllTxIDs    []string         `json:"all_txids,omitempty"`
	Received    uint64           `json:"received,omitempty"`
	Fee         uint64           `json:"fee,omitempty"`
}

// RetrieveBtcOk 是 retrieve_btc 成功后的返回
type RetrieveBtcOk struct {
	BlockIndex     uint64           `json:"block_index"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         WithdrawalStatus `json:"status"`
	TxID           string           `json:"txid,omitempty"`
	Received       uint64           `json:"received,omitempty"` // amount - kyt fee - 网络费
	Fee            uint64           `json:"fee,omitempty"`
}

// MinterInfo 是 get_minter_info 的返回
type MinterInfo struct {
	MinConfirmations     uint32 `json:"min_confirmations"`
	RetrieveBtcMinAmount uint64 `json:"retrieve_btc_min_amount"`
	KytFee               uint64 `json:"kyt_fee"`
	Mode                 string `json:"mode"`
	Network              string `json:"network"`
	FreeBalance          uint64 `json:"free_balance"`
	FreeUtxos            int    `json:"free_utxos"`
	PendingWithdrawals   int    `json:"pending_withdrawals"`
}

// WithdrawalFee 是 estimate_withdrawal_fee 的返回
type WithdrawalFee struct {
	MinterFee  uint64 `json:"minter_fee"`
	BitcoinFee uint64 `json:"bitcoin_fee"`
}
