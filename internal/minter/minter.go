package minter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"btc-minter/pkg/bip32"
	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
)

// maxArchived 归档的终态请求上限，超出后淘汰最早的
const maxArchived = 10_000

// Minter 持有全部托管状态: UTXO 账本、提现队列、配置
//
// mu 只在同步片段内持有，每次调用外部协作方之前释放，
// 所以跨越调用的状态迁移都先同步记录，再发起调用。
type Minter struct {
	mu sync.Mutex

	cfg      Config
	network  *chaincfg.Params
	xpub     string
	deriver  *AddressDeriver
	custody  derivedAddress
	utxos    *UtxoLedger
	requests map[uint64]*WithdrawalRequest // 未终结的提现
	archive  map[uint64]*WithdrawalRequest
	idemKeys map[string]uint64

	inflightKeys map[string]struct{} // burn 进行中的幂等键
	accountGuard map[Account]struct{}
	reconciling  bool
	deps         Deps
	log          *zap.Logger
}

// New 安装: 使用完整的初始配置
func New(cfg Config, xpub string, deps Deps) (*Minter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Mode, _ = ParseMode(string(cfg.Mode.Kind), cfg.Mode.AllowList)
	m, err := newMinter(cfg, xpub, deps)
	if err != nil {
		return nil, err
	}
	m.log.Info("minter 已安装",
		zap.String("network", cfg.Network),
		zap.String("mode", cfg.Mode.String()),
		zap.Uint32("min_confirmations", cfg.MinConfirmations))
	return m, nil
}

func newMinter(cfg Config, xpub string, deps Deps) (*Minter, error) {
	deps.withDefaults()
	if err := deps.validate(); err != nil {
		return nil, err
	}
	network, err := NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	root, err := bip32.ParseExtendedKey(xpub, network)
	if err != nil {
		return nil, errno.ErrInvalidConfig.WithMessage(err.Error())
	}
	deriver, err := NewAddressDeriver(root, network)
	if err != nil {
		return nil, err
	}

	m := &Minter{
		cfg:          cfg,
		network:      network,
		xpub:         xpub,
		deriver:      deriver,
		utxos:        NewUtxoLedger(),
		requests:     make(map[uint64]*WithdrawalRequest),
		archive:      make(map[uint64]*WithdrawalRequest),
		idemKeys:     make(map[string]uint64),
		inflightKeys: make(map[string]struct{}),
		accountGuard: make(map[Account]struct{}),
		deps:         deps,
		log:          deps.Logger.Named("minter"),
	}
	m.custody, err = deriver.Derive(m.custodyAccount())
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minter) custodyAccount() Account {
	return Account{Owner: m.cfg.MinterID}
}

// CustodyAddress 找零地址
func (m *Minter) CustodyAddress() string {
	return m.custody.addr.EncodeAddress()
}

func (m *Minter) Network() *chaincfg.Params { return m.network }

func callerPrincipal(caller string) string {
	if caller == "" {
		return AnonymousPrincipal
	}
	return caller
}

// resolveAccount owner 缺省为调用方；解析到托管身份时无论模式如何都拒绝
func (m *Minter) resolveAccount(caller string, owner *string, sub []byte) (Account, error) {
	o := callerPrincipal(caller)
	if owner != nil && *owner != "" {
		o = *owner
	}
	if o == m.cfg.MinterID {
		return Account{}, errno.ErrSelfCustody
	}
	s, err := ParseSubaccount(sub)
	if err != nil {
		return Account{}, err
	}
	return Account{Owner: o, Subaccount: s}, nil
}

func (m *Minter) gate(op Operation, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Mode.Gate(op, callerPrincipal(caller))
}

// GetBtcAddress 返回身份的充值地址，可以在任何充值之前调用
func (m *Minter) GetBtcAddress(ctx context.Context, caller string, owner *string, sub []byte) (string, error) {
	acc, err := m.resolveAccount(caller, owner, sub)
	if err != nil {
		return "", err
	}
	da, err := m.deriver.Derive(acc)
	if err != nil {
		return "", err
	}
	addr := da.addr.EncodeAddress()
	m.emit(ctx, Event{Kind: EventAddressDerived, Account: acc, Address: addr})
	return addr, nil
}

// RetrieveBtcStatus 按 burn 区块索引查询提现
func (m *Minter) RetrieveBtcStatus(blockIndex uint64) (*RetrieveBtcStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[blockIndex]
	if !ok {
		r, ok = m.archive[blockIndex]
	}
	if !ok {
		return nil, errno.ErrNotFound
	}
	st := &RetrieveBtcStatus{
		BlockIndex:  r.ID,
		Status:      r.Status,
		Destination: r.Destination,
		Amount:      r.Amount,
	}
	for _, tx := range r.Txs {
		st.AllTxIDs = append(st.AllTxIDs, tx.TxID.String())
	}
	if last := r.LastTx(); last != nil {
		st.TxID = last.TxID.String()
		st.Received = last.DestValue
		st.Fee = last.Fee
	}
	return st, nil
}

// Configure 仅限 controller，单调部分更新配置与模式
func (m *Minter) Configure(ctx context.Context, caller string, args *UpgradeArgs) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.isController(callerPrincipal(caller)) {
		return nil, errno.ErrUnauthorized
	}
	next, warnings, err := m.cfg.Apply(args)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		m.log.Warn("配置更新被部分忽略", zap.String("reason", w))
	}
	if next.Mode.String() != m.cfg.Mode.String() {
		m.log.Info("运行模式变更", zap.String("from", m.cfg.Mode.String()), zap.String("to", next.Mode.String()))
	}
	m.cfg = next
	return warnings, nil
}

// Config 返回当前配置副本
func (m *Minter) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cfg
	c.Controllers = append([]string(nil), m.cfg.Controllers...)
	return c
}

func (m *Minter) MinterInfo() MinterInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	free, n := m.utxos.FreeBalance()
	return MinterInfo{
		MinConfirmations:     m.cfg.MinConfirmations,
		RetrieveBtcMinAmount: m.cfg.RetrieveBtcMinAmount,
		KytFee:               m.kytFeeLocked(),
		Mode:                 m.cfg.Mode.String(),
		Network:              m.cfg.Network,
		FreeBalance:          free,
		FreeUtxos:            n,
		PendingWithdrawals:   len(m.requests),
	}
}

func (m *Minter) kytFeeLocked() uint64 {
	if !m.cfg.ScreeningEnabled {
		return 0
	}
	return m.cfg.KytFee
}

// EstimateWithdrawalFee 给定金额时按实际选币的输入个数估算，否则按单输入估算
func (m *Minter) EstimateWithdrawalFee(ctx context.Context, amount *uint64) (WithdrawalFee, error) {
	nIn := 1
	m.mu.Lock()
	kyt := m.kytFeeLocked()
	if amount != nil && *amount > kyt {
		if picked := selectCoins(m.utxos.freeSorted(), *amount-kyt); picked != nil {
			nIn = len(picked)
		}
	}
	m.mu.Unlock()

	fee, err := m.deps.Fees.EstimateFee(ctx, nIn, 2)
	if err != nil {
		return WithdrawalFee{}, unavailable("fee estimator: %v", err)
	}
	return WithdrawalFee{MinterFee: kyt, BitcoinFee: fee}, nil
}

// Stats 指标快照
type Stats struct {
	ByState     map[UtxoState]int
	FreeBalance uint64
	Submitted   int
	Pending     int
}

func (m *Minter) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	free, _ := m.utxos.FreeBalance()
	st := Stats{ByState: m.utxos.CountByState(), FreeBalance: free}
	for _, r := range m.requests {
		switch r.Status {
		case WithdrawalSubmitted:
			st.Submitted++
		case WithdrawalPending:
			st.Pending++
		}
	}
	return st
}

// CheckInvariants 账本内部一致性，以及账本与提现队列之间的一致性
func (m *Minter) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkInvariantsLocked()
}

func (m *Minter) checkInvariantsLocked() error {
	if err := m.utxos.CheckInvariants(); err != nil {
		return err
	}
	for id, r := range m.requests {
		if r.ID != id {
			return invariantf("request %d stored under %d", r.ID, id)
		}
		if r.Status.Final() {
			return invariantf("request %d is %s but still queued", id, r.Status)
		}
		if r.Status == WithdrawalPending && len(r.Inputs) > 0 {
			return invariantf("pending request %d holds inputs", id)
		}
		for _, op := range r.Inputs {
			c, ok := m.utxos.Credited(op)
			if !ok || c.State != UtxoReserved || c.ReservedBy != id {
				return invariantf("request %d input %s is not reserved by it", id, op)
			}
		}
	}
	for op, c := range m.utxos.credited {
		if c.State != UtxoReserved {
			continue
		}
		r, ok := m.requests[c.ReservedBy]
		if !ok || !containsOutPoint(r.Inputs, op) {
			return invariantf("%s reserved by %d which does not hold it", op, c.ReservedBy)
		}
	}
	for key, id := range m.idemKeys {
		r, ok := m.requests[id]
		if !ok {
			r, ok = m.archive[id]
		}
		if ok && r.IdempotencyKey != key {
			return invariantf("idempotency key %q maps to request %d with key %q", key, id, r.IdempotencyKey)
		}
	}
	return nil
}

func containsOutPoint(s []OutPoint, op OutPoint) bool {
	for _, o := range s {
		if o == op {
			return true
		}
	}
	return false
}

func (m *Minter) archiveLocked(r *WithdrawalRequest) {
	delete(m.requests, r.ID)
	m.archive[r.ID] = r
	if len(m.archive) <= maxArchived {
		return
	}
	ids := make([]uint64, 0, len(m.archive))
	for id := range m.archive {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids[:len(ids)-maxArchived] {
		delete(m.archive, id)
	}
}

func (m *Minter) emit(ctx context.Context, ev Event) {
	if m.deps.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.deps.Clock.Now()
	}
	if err := m.deps.Events.Record(ctx, ev); err != nil {
		m.log.Warn("记录事件失败", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// errMintDeferred 账本暂时失败，铸币已交给后台重试
var errMintDeferred = errors.New("mint deferred to background retry")

// compensate 补偿性铸币 (退款、筛查费)。账本失败时入队重试并返回 errMintDeferred；
// 入队也失败时返回的错误不包含 errMintDeferred，调用方需要告警
func (m *Minter) compensate(ctx context.Context, task MintTask) (uint64, error) {
	acc, err := task.Account()
	if err != nil {
		return 0, err
	}
	idx, err := m.deps.Ledger.Mint(ctx, acc, task.Amount, task.DedupKey)
	if err == nil {
		return idx, nil
	}
	m.log.Warn("补偿铸币失败", zap.String("dedup_key", task.DedupKey), zap.Error(err))
	if m.deps.Mints == nil {
		return 0, err
	}
	if serr := m.deps.Mints.ScheduleMint(ctx, task); serr != nil {
		return 0, errors.Join(err, serr)
	}
	return 0, fmt.Errorf("%w: %v", errMintDeferred, err)
}

// payKytFee 筛查费归筛查方
func (m *Minter) payKytFee(ctx context.Context, to Account, amount uint64, dedupKey string) {
	task := newMintTask(to, amount, dedupKey, "kyt fee")
	if _, err := m.compensate(ctx, task); err != nil && !errors.Is(err, errMintDeferred) {
		m.log.Error("筛查费未能铸币也未能入队", zap.String("dedup_key", dedupKey), zap.Uint64("amount", amount), zap.Error(err))
	}
}
