package minter

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

// Indexer 链索引服务
type Indexer interface {
	GetUtxos(ctx context.Context, address string, minConfirmations uint32) ([]ObservedUtxo, error)
	SubmitTransaction(ctx context.Context, raw []byte) (chainhash.Hash, error)
	// GetConfirmations 未知或未上链的交易返回 0
	GetConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error)
}

// Verdict 合规筛查结论
type Verdict int

const (
	VerdictClean Verdict = iota
	VerdictTainted
)

func (v Verdict) String() string {
	if v == VerdictTainted {
		return "tainted"
	}
	return "clean"
}

// Screener 合规筛查服务
type Screener interface {
	Check(ctx context.Context, utxo Utxo, owner Account) (Verdict, error)
}

// Signer 门限签名服务，paths[i] 是第 i 个输入的派生路径
type Signer interface {
	Sign(ctx context.Context, tx *UnsignedTx, paths [][]uint32) (*wire.MsgTx, error)
}

// ErrDedupConflict dedupKey 已经记过一笔类型、账户或金额不同的账
var ErrDedupConflict = errors.New("dedup key reused for a different operation")

// Ledger 代币账本。dedupKey 相同且操作完全一致的重复调用返回首次的区块索引，不会重复记账；
// 操作不一致时返回 ErrDedupConflict
type Ledger interface {
	Mint(ctx context.Context, to Account, amount uint64, dedupKey string) (uint64, error)
	// Burn 余额不足时返回 errno.ErrInsufficientFunds
	Burn(ctx context.Context, from Account, amount uint64, dedupKey string) (uint64, error)
}

// MintTask 结果不确定的铸币 (退款、筛查费分配) 交给后台重试
type MintTask struct {
	Owner      string `json:"owner"`
	Subaccount string `json:"subaccount,omitempty"` // hex
	Amount     uint64 `json:"amount"`
	DedupKey   string `json:"dedup_key"`
	Reason     string `json:"reason"`
}

func newMintTask(to Account, amount uint64, dedupKey, reason string) MintTask {
	return MintTask{Owner: to.Owner, Subaccount: to.Subaccount.Hex(), Amount: amount, DedupKey: dedupKey, Reason: reason}
}

// Account 还原目标账户
func (t MintTask) Account() (Account, error) {
	sub, err := ParseSubaccountHex(t.Subaccount)
	if err != nil {
		return Account{}, err
	}
	return Account{Owner: t.Owner, Subaccount: sub}, nil
}

// MintScheduler 持久化的铸币重试
type MintScheduler interface {
	ScheduleMint(ctx context.Context, task MintTask) error
}

// EventKind 事件类型
type EventKind string

const (
	EventAddressDerived   EventKind = "address_derived"
	EventUtxoCredited     EventKind = "utxo_credited"
	EventUtxoRejected     EventKind = "utxo_rejected"
	EventWithdrawalStatus EventKind = "withdrawal_status"
)

// Event 每个入账的输出与每次提现状态迁移都会产生一条
type Event struct {
	Kind       EventKind
	At         time.Time
	Account    Account
	Address    string
	Utxo       *Utxo
	UtxoStatus UtxoStatusKind
	Amount     uint64
	BlockIndex uint64
	Withdrawal *WithdrawalRequest
}

// EventSink 记录事件，失败只记日志，不影响主流程
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}

// Deps 外部协作方
type Deps struct {
	Indexer  Indexer
	Screener Screener
	Signer   Signer
	Ledger   Ledger
	Fees     FeeEstimator
	Clock    clock.Clock
	Events   EventSink     // 可为 nil
	Mints    MintScheduler // 可为 nil，此时失败的补偿铸币只记录日志
	Logger   *zap.Logger
}

func (d *Deps) withDefaults() {
	if d.Clock == nil {
		d.Clock = clock.NewDefaultClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Fees == nil {
		d.Fees = NewStaticFeeEstimator(10)
	}
}

func (d *Deps) validate() error {
	switch {
	case d.Indexer == nil:
		return genericError("indexer is required")
	case d.Screener == nil:
		return genericError("screener is required")
	case d.Signer == nil:
		return genericError("signer is required")
	case d.Ledger == nil:
		return genericError("ledger is required")
	}
	return nil
}
