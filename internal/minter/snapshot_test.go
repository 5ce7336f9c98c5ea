package minter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"btc-minter/pkg/errno"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSnapshotStore struct {
	data []byte
}

func (s *memSnapshotStore) Save(_ context.Context, data []byte) error {
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *memSnapshotStore) Load(context.Context) ([]byte, error) {
	if s.data == nil {
		return nil, ErrNoSnapshot
	}
	return s.data, nil
}

// populate 构造一个包含各种状态的托管状态
func populate(t *testing.T, h *harness) {
	ctx := context.Background()
	h.fund(t, "alice", 100_000)
	h.fund(t, "bob", 250_000)
	h.fund(t, "carol", 40_000)

	addr, err := h.m.GetBtcAddress(ctx, "dave", nil, nil)
	require.NoError(t, err)
	h.scr.tainted[h.idx.deposit(addr, 70_000, 1)] = true
	h.idx.deposit(addr, 500, 1)
	_, err = h.m.UpdateBalance(ctx, "dave", nil, nil)
	require.NoError(t, err)

	// 一笔已确认
	done, err := h.m.RetrieveBtc(ctx, "alice", RetrieveBtcArgs{Address: testDestination(1), Amount: 60_000, IdempotencyKey: "done"})
	require.NoError(t, err)
	h.idx.confirm(h.request(done.BlockIndex).Txs[0].TxID, 1)
	_, err = h.m.Reconcile(ctx)
	require.NoError(t, err)

	// 一笔已广播未确认
	_, err = h.m.RetrieveBtc(ctx, "bob", RetrieveBtcArgs{Address: testDestination(2), Amount: 120_000, IdempotencyKey: "inflight"})
	require.NoError(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t, withScreening(300))
	populate(t, h)
	require.NoError(t, h.m.CheckInvariants())

	data, err := EncodeSnapshot(h.m.Snapshot())
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	restored, warnings, err := Restore(decoded, h.deps(), nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.NoError(t, restored.CheckInvariants())

	again, err := EncodeSnapshot(restored.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))

	assert.Equal(t, h.m.CustodyAddress(), restored.CustodyAddress())
	assert.Equal(t, h.m.MinterInfo(), restored.MinterInfo())
	assert.Equal(t, h.m.Stats(), restored.Stats())

	// 恢复后的状态可以继续工作: 幂等键和已入账输出都被记住
	ctx := context.Background()
	_, err = restored.RetrieveBtc(ctx, "alice", RetrieveBtcArgs{Address: testDestination(1), Amount: 20_000, IdempotencyKey: "done"})
	assert.ErrorIs(t, err, errno.ErrAlreadyProcessing)
	statuses, err := restored.UpdateBalance(ctx, "bob", nil, nil)
	require.NoError(t, err)
	for _, st := range statuses {
		assert.Equal(t, UtxoAlreadyMinted, st.Kind)
	}
}

func TestSnapshotChecksum(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100_000)
	data, err := EncodeSnapshot(h.m.Snapshot())
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["xpub"] = "tampered"
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = DecodeSnapshot(tampered)
	assert.ErrorContains(t, err, "checksum")

	raw["xpub"] = h.m.xpub
	raw["version"] = SnapshotVersion + 1
	delete(raw, "checksum")
	future, err := json.Marshal(raw)
	require.NoError(t, err)
	_, err = DecodeSnapshot(future)
	assert.ErrorContains(t, err, "newer")
}

// 重启时签名中的请求释放输入回到 Pending，之后正常完成
func TestRestoreMidSigning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := h.fund(t, "alice", 100_000)

	h.sig.block = make(chan struct{})
	var (
		wg sync.WaitGroup
		ok *RetrieveBtcOk
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		ok, err = h.m.RetrieveBtc(ctx, "alice", RetrieveBtcArgs{Address: testDestination(1), Amount: 30_000})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return h.sig.enteredCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	snap := h.m.Snapshot()
	close(h.sig.block)
	wg.Wait()

	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)

	deps := h.deps()
	deps.Signer = &fakeSigner{}
	restored, _, err := Restore(decoded, deps, nil)
	require.NoError(t, err)

	restored.mu.Lock()
	r := restored.requests[ok.BlockIndex]
	require.NotNil(t, r)
	assert.Equal(t, WithdrawalPending, r.Status)
	assert.Empty(t, r.Inputs)
	c, _ := restored.utxos.Credited(in)
	assert.Equal(t, UtxoFree, c.State)
	restored.mu.Unlock()

	_, err = restored.Reconcile(ctx)
	require.NoError(t, err)
	st, err := restored.RetrieveBtcStatus(ok.BlockIndex)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalSubmitted, st.Status)
}

// 旧版本快照: 缺少派生路径、幂等键、模式，提现只有单个 txid
func TestRestoreV1Snapshot(t *testing.T) {
	h := newHarness(t)
	alice := Account{Owner: "alice"}
	funded := testOutPoint(10)
	reserved := testOutPoint(11)
	legacyTx := testOutPoint(12).TxID

	v1 := fmt.Sprintf(`{
	  "xpub": %q,
	  "config": {"network": "regtest", "minter_id": "minter", "ecdsa_key_name": "key",
	             "min_confirmations": 6, "retrieve_btc_min_amount": 10000,
	             "max_time_in_queue_nanos": 600000000000, "ledger_id": "ledger",
	             "controllers": ["admin"]},
	  "utxos": [
	    {"outpoint": %q, "value": 100000, "owner": "alice", "state": "free", "minted_amount": 100000, "block_index": 1},
	    {"outpoint": %q, "value": 80000, "owner": "bob", "state": "reserved", "reserved_by": 7, "minted_amount": 80000, "block_index": 2}
	  ],
	  "withdrawals": [
	    {"id": 7, "owner": "bob", "destination": %q, "amount": 50000, "kyt_fee": 0,
	     "requested_at": "2023-06-01T00:00:00Z", "status": "Submitted", "inputs": [%q],
	     "txid": %q, "raw_tx": "00", "fee": 1500}
	  ]
	}`, testXPub(), funded, reserved, testDestination(3), reserved, legacyTx)

	snap, err := DecodeSnapshot([]byte(v1))
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Equal(t, string(ModeGeneralAvailability), snap.Config.Mode)

	upgrade := &UpgradeArgs{MinConfirmations: u32(2)}
	m, warnings, err := Restore(snap, h.deps(), upgrade)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, uint32(2), m.Config().MinConfirmations)

	m.mu.Lock()
	c, ok := m.utxos.Credited(funded)
	require.True(t, ok)
	assert.Equal(t, DerivationPath(alice), c.DerivationPath)
	r := m.requests[7]
	require.NotNil(t, r)
	assert.Equal(t, "legacy:7", r.IdempotencyKey)
	require.Len(t, r.Txs, 1)
	assert.Equal(t, legacyTx, r.Txs[0].TxID)
	assert.Equal(t, uint64(1500), r.Txs[0].Fee)
	assert.Equal(t, int32(-1), r.Txs[0].ChangeIndex)
	assert.Equal(t, uint64(7), m.idemKeys["legacy:7"])
	m.mu.Unlock()

	// 重新保存为当前版本
	data, err := EncodeSnapshot(m.Snapshot())
	require.NoError(t, err)
	var current Snapshot
	require.NoError(t, json.Unmarshal(data, &current))
	assert.Equal(t, SnapshotVersion, current.Version)
	for _, w := range current.Withdrawals {
		assert.Equal(t, SnapshotVersion, w.V)
		assert.Empty(t, w.LegacyTxID)
	}

	// 旧交易确认后正常终结
	h.idx.confirm(legacyTx, 2)
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	require.NoError(t, m.CheckInvariants())
}

func TestRestoreRejectsInconsistentSnapshot(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100_000)
	snap := h.m.Snapshot()
	snap.Utxos[0].State = string(UtxoReserved)
	snap.Utxos[0].ReservedBy = 42

	_, _, err := Restore(snap, h.deps(), nil)
	assert.ErrorIs(t, err, errno.ErrInvariantViolation)
}

func TestLoadOrInstall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	store := &memSnapshotStore{}

	fresh, err := LoadOrInstall(ctx, store, testConfig(), testXPub(), nil, h.deps())
	require.NoError(t, err)
	assert.Equal(t, h.m.CustodyAddress(), fresh.CustodyAddress())

	h.fund(t, "alice", 100_000)
	require.NoError(t, h.m.SaveSnapshot(ctx, store))

	loaded, err := LoadOrInstall(ctx, store, testConfig(), testXPub(), nil, h.deps())
	require.NoError(t, err)
	assert.Equal(t, h.m.Stats(), loaded.Stats())
}
