package minter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"btc-minter/pkg/bip32"
	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testSeed, _ = hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	testStart   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	xpubOnce sync.Once
	xpub     string
)

func testXPub() string {
	xpubOnce.Do(func() {
		w, err := bip32.NewMasterKeyFromSeed(testSeed, &chaincfg.RegressionNetParams)
		if err != nil {
			panic(err)
		}
		pub, err := w.MasterKey().Neuter()
		if err != nil {
			panic(err)
		}
		xpub = pub.String()
	})
	return xpub
}

// testDestination 一个与 minter 无关的 regtest P2WPKH 地址
func testDestination(b byte) string {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = b
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		panic(err)
	}
	return addr.EncodeAddress()
}

type fakeIndexer struct {
	mu        sync.Mutex
	seq       int
	utxos     map[string][]ObservedUtxo
	confs     map[chainhash.Hash]uint32
	submitted []*wire.MsgTx
	utxoErr   error
	submitErr error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		utxos: make(map[string][]ObservedUtxo),
		confs: make(map[chainhash.Hash]uint32),
	}
}

// deposit 模拟向地址转账，返回新输出
func (f *fakeIndexer) deposit(addr string, value uint64, conf uint32) OutPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	op := OutPoint{TxID: chainhash.DoubleHashH([]byte(fmt.Sprintf("deposit-%d", f.seq))), Vout: uint32(f.seq % 3)}
	f.utxos[addr] = append(f.utxos[addr], ObservedUtxo{OutPoint: op, Value: value, Height: uint32(100 + f.seq), Confirmations: conf})
	return op
}

func (f *fakeIndexer) setConfirmations(addr string, op OutPoint, conf uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.utxos[addr] {
		if f.utxos[addr][i].OutPoint == op {
			f.utxos[addr][i].Confirmations = conf
		}
	}
}

func (f *fakeIndexer) confirm(txid chainhash.Hash, conf uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs[txid] = conf
}

func (f *fakeIndexer) submittedTxs() []*wire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.MsgTx(nil), f.submitted...)
}

func (f *fakeIndexer) GetUtxos(_ context.Context, addr string, minConf uint32) ([]ObservedUtxo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.utxoErr != nil {
		return nil, f.utxoErr
	}
	var out []ObservedUtxo
	for _, u := range f.utxos[addr] {
		if u.Confirmations >= minConf {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeIndexer) SubmitTransaction(_ context.Context, raw []byte) (chainhash.Hash, error) {
	tx, err := DecodeRawTx(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return chainhash.Hash{}, f.submitErr
	}
	f.submitted = append(f.submitted, tx)
	return tx.TxHash(), nil
}

func (f *fakeIndexer) GetConfirmations(_ context.Context, txid chainhash.Hash) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confs[txid], nil
}

type fakeScreener struct {
	mu      sync.Mutex
	tainted map[OutPoint]bool
	err     error
	calls   int
}

func (f *fakeScreener) Check(_ context.Context, u Utxo, _ Account) (Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return VerdictClean, f.err
	}
	if f.tainted[u.OutPoint] {
		return VerdictTainted, nil
	}
	return VerdictClean, nil
}

func (f *fakeScreener) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSigner 只填充见证，txid 不变；block 非 nil 时挂起直到关闭
type fakeSigner struct {
	err     error
	block   chan struct{}
	entered int32
}

func (f *fakeSigner) Sign(ctx context.Context, u *UnsignedTx, paths [][]uint32) (*wire.MsgTx, error) {
	atomic.AddInt32(&f.entered, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(paths) != len(u.Tx.TxIn) {
		return nil, errors.New("path count mismatch")
	}
	signed := u.Tx.Copy()
	for _, in := range signed.TxIn {
		in.Witness = wire.TxWitness{{0x30, 0x44}, {0x02}}
	}
	return signed, nil
}

func (f *fakeSigner) enteredCount() int { return int(atomic.LoadInt32(&f.entered)) }

type ledgerOp struct {
	kind   string
	acc    Account
	amount uint64
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[Account]uint64
	seen     map[string]uint64
	ops      map[string]ledgerOp
	next     uint64
	mintFail int
	burnErr  error
	onBurn   func()
	mints    map[string]int
	burns    []uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[Account]uint64),
		seen:     make(map[string]uint64),
		ops:      make(map[string]ledgerOp),
		mints:    make(map[string]int),
	}
}

func (f *fakeLedger) Mint(_ context.Context, to Account, amount uint64, key string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mintFail > 0 {
		f.mintFail--
		return 0, errors.New("ledger timeout")
	}
	if idx, ok, err := f.dedup(key, ledgerOp{"mint", to, amount}); ok || err != nil {
		return idx, err
	}
	f.next++
	f.seen[key] = f.next
	f.ops[key] = ledgerOp{"mint", to, amount}
	f.balances[to] += amount
	f.mints[key]++
	return f.next, nil
}

func (f *fakeLedger) Burn(_ context.Context, from Account, amount uint64, key string) (uint64, error) {
	if f.onBurn != nil {
		f.onBurn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx, ok, err := f.dedup(key, ledgerOp{"burn", from, amount}); ok || err != nil {
		return idx, err
	}
	if f.burnErr != nil {
		return 0, f.burnErr
	}
	if f.balances[from] < amount {
		return 0, errno.ErrInsufficientFunds
	}
	f.balances[from] -= amount
	f.next++
	f.seen[key] = f.next
	f.ops[key] = ledgerOp{"burn", from, amount}
	f.burns = append(f.burns, f.next)
	return f.next, nil
}

// dedup 调用方持有 mu
func (f *fakeLedger) dedup(key string, op ledgerOp) (uint64, bool, error) {
	idx, ok := f.seen[key]
	if !ok {
		return 0, false, nil
	}
	if f.ops[key] != op {
		return 0, false, ErrDedupConflict
	}
	return idx, true, nil
}

func (f *fakeLedger) balance(acc Account) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[acc]
}

func (f *fakeLedger) burnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.burns)
}

func (f *fakeLedger) burned(idx uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.burns {
		if b == idx {
			return true
		}
	}
	return false
}

type fakeEvents struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeEvents) Record(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) withdrawalStatuses(id uint64) []WithdrawalStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []WithdrawalStatus
	for _, ev := range f.events {
		if ev.Kind == EventWithdrawalStatus && ev.Withdrawal != nil && ev.Withdrawal.ID == id {
			out = append(out, ev.Withdrawal.Status)
		}
	}
	return out
}

type fakeMints struct {
	mu    sync.Mutex
	tasks []MintTask
	err   error
}

func (f *fakeMints) ScheduleMint(_ context.Context, t MintTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

type harness struct {
	m      *Minter
	idx    *fakeIndexer
	led    *fakeLedger
	scr    *fakeScreener
	sig    *fakeSigner
	clk    *clock.TestClock
	events *fakeEvents
	mints  *fakeMints
}

func testConfig() Config {
	return Config{
		Network:              "regtest",
		MinterID:             "minter",
		EcdsaKeyName:         "test_key",
		MinConfirmations:     1,
		RetrieveBtcMinAmount: 10_000,
		MaxTimeInQueue:       10 * time.Minute,
		LedgerID:             "ledger",
		Mode:                 GeneralAvailability(),
		Controllers:          []string{"admin"},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Indexer:  h.idx,
		Screener: h.scr,
		Signer:   h.sig,
		Ledger:   h.led,
		Fees:     NewStaticFeeEstimator(10),
		Clock:    h.clk,
		Events:   h.events,
		Mints:    h.mints,
	}
}

func newHarness(t require.TestingT, opts ...func(*Config)) *harness {
	h := &harness{
		idx:    newFakeIndexer(),
		led:    newFakeLedger(),
		scr:    &fakeScreener{tainted: make(map[OutPoint]bool)},
		sig:    &fakeSigner{},
		clk:    clock.NewTestClock(testStart),
		events: &fakeEvents{},
		mints:  &fakeMints{},
	}
	cfg := testConfig()
	for _, o := range opts {
		o(&cfg)
	}
	m, err := New(cfg, testXPub(), h.deps())
	require.NoError(t, err)
	h.m = m
	return h
}

func withScreening(fee uint64) func(*Config) {
	return func(c *Config) {
		c.ScreeningEnabled = true
		c.KytFee = fee
		c.KytPrincipal = "kyt"
	}
}

func withMode(m Mode) func(*Config) {
	return func(c *Config) { c.Mode = m }
}

// fund 给 owner 充值并入账，返回输出
func (h *harness) fund(t require.TestingT, owner string, value uint64) OutPoint {
	ctx := context.Background()
	addr, err := h.m.GetBtcAddress(ctx, owner, nil, nil)
	require.NoError(t, err)
	op := h.idx.deposit(addr, value, h.m.Config().MinConfirmations)
	statuses, err := h.m.UpdateBalance(ctx, owner, nil, nil)
	require.NoError(t, err)
	for _, st := range statuses {
		if st.OutPoint == op.String() {
			require.Equal(t, UtxoMinted, st.Kind)
			return op
		}
	}
	require.Fail(t, "deposit not reported")
	return op
}

func (h *harness) request(id uint64) *WithdrawalRequest {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, ok := h.m.requests[id]
	if !ok {
		r = h.m.archive[id]
	}
	if r == nil {
		return nil
	}
	return r.clone()
}

func (h *harness) utxo(op OutPoint) *CreditedUtxo {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	c, ok := h.m.utxos.Credited(op)
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}
