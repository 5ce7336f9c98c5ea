package minter

import (
	"fmt"
	"sort"
	"testing"

	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testOutPoint(i int) OutPoint {
	return OutPoint{TxID: chainhash.DoubleHashH([]byte(fmt.Sprintf("utxo-%d", i))), Vout: uint32(i % 2)}
}

func ledgerWith(values ...uint64) (*UtxoLedger, []OutPoint) {
	l := NewUtxoLedger()
	ops := make([]OutPoint, len(values))
	for i, v := range values {
		ops[i] = testOutPoint(i)
		l.RecordCredited(Utxo{OutPoint: ops[i], Value: v}, Account{Owner: "alice"}, v, uint64(i+1))
	}
	return l, ops
}

func TestRecordCreditedIsIdempotent(t *testing.T) {
	l := NewUtxoLedger()
	u := Utxo{OutPoint: testOutPoint(1), Value: 5_000}

	c, inserted := l.RecordCredited(u, Account{Owner: "alice"}, 5_000, 7)
	require.True(t, inserted)
	assert.Equal(t, uint64(7), c.BlockIndex)

	again, inserted := l.RecordCredited(u, Account{Owner: "bob"}, 1, 99)
	assert.False(t, inserted)
	assert.Equal(t, uint64(7), again.BlockIndex)
	assert.Equal(t, "alice", again.Account.Owner)

	assert.False(t, l.BeginMint(u.OutPoint), "credited outpoint cannot be minted again")
	require.NoError(t, l.CheckInvariants())
}

func TestBeginMintGuardsReentry(t *testing.T) {
	l := NewUtxoLedger()
	op := testOutPoint(3)
	require.True(t, l.BeginMint(op))
	assert.False(t, l.BeginMint(op))
	assert.True(t, l.IsMinting(op))
	l.EndMint(op)
	assert.True(t, l.BeginMint(op))
}

func TestSelectForWithdrawal(t *testing.T) {
	tests := []struct {
		name   string
		values []uint64
		target uint64
		want   []uint64 // 选中的金额，升序
	}{
		{"exact single", []uint64{1_000, 5_000, 9_000}, 5_000, []uint64{5_000}},
		{"smallest covering", []uint64{1_000, 6_000, 9_000}, 5_000, []uint64{6_000}},
		{"two inputs no change", []uint64{3_000, 4_000, 6_000, 7_000}, 10_000, []uint64{3_000, 7_000}},
		{"two inputs smaller change", []uint64{2_000, 5_000, 8_000}, 12_000, []uint64{5_000, 8_000}},
		{"all needed", []uint64{1_000, 2_000, 3_000}, 6_000, []uint64{1_000, 2_000, 3_000}},
		{"least change beats smallest first", []uint64{4_000, 6_000, 7_000, 10_000}, 13_000, []uint64{6_000, 7_000}},
		{"three inputs exact", []uint64{2_000, 5_000, 6_000, 7_000, 9_000}, 20_000, []uint64{5_000, 6_000, 9_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := ledgerWith(tt.values...)
			got, err := l.SelectForWithdrawal(1, tt.target)
			require.NoError(t, err)
			var values []uint64
			for _, u := range got {
				values = append(values, u.Value)
			}
			sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
			assert.Equal(t, tt.want, values)
			for _, u := range got {
				c, _ := l.Credited(u.OutPoint)
				assert.Equal(t, UtxoReserved, c.State)
				assert.Equal(t, uint64(1), c.ReservedBy)
			}
			require.NoError(t, l.CheckInvariants())
		})
	}

	l, _ := ledgerWith(1_000, 2_000)
	_, err := l.SelectForWithdrawal(1, 5_000)
	assert.ErrorIs(t, err, errno.ErrInsufficientFunds)
	free, n := l.FreeBalance()
	assert.Equal(t, uint64(3_000), free)
	assert.Equal(t, 2, n)
}

func TestReleaseAndMarkSpent(t *testing.T) {
	l, ops := ledgerWith(10_000, 20_000)
	picked, err := l.SelectForWithdrawal(5, 15_000)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	op := picked[0].OutPoint
	assert.Equal(t, ops[1], op)

	// 其他请求不能释放或花费它
	assert.ErrorIs(t, l.Release(6, []OutPoint{op}), errno.ErrInvariantViolation)
	assert.ErrorIs(t, l.MarkSpent(6, []OutPoint{op}), errno.ErrInvariantViolation)

	require.NoError(t, l.Release(5, []OutPoint{op}))
	c, _ := l.Credited(op)
	assert.Equal(t, UtxoFree, c.State)
	assert.ErrorIs(t, l.MarkSpent(5, []OutPoint{op}), errno.ErrInvariantViolation, "free outputs are never spent directly")

	_, err = l.SelectForWithdrawal(5, 15_000)
	require.NoError(t, err)
	require.NoError(t, l.MarkSpent(5, []OutPoint{op}))
	assert.Equal(t, UtxoSpent, c.State)
	assert.Zero(t, c.ReservedBy, "spent outputs carry no reservation")
	require.NoError(t, l.CheckInvariants())

	err = l.MarkSpent(5, []OutPoint{op})
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Contains(t, inv.Msg, "already spent")
	assert.Equal(t, map[UtxoState]int{UtxoFree: 1, UtxoReserved: 0, UtxoSpent: 1}, l.CountByState())
}

func TestAddChangeRejectsDuplicate(t *testing.T) {
	l, ops := ledgerWith(10_000)
	err := l.AddChange(Utxo{OutPoint: ops[0], Value: 1}, Account{Owner: "minter"})
	assert.ErrorIs(t, err, errno.ErrInvariantViolation)

	change := Utxo{OutPoint: testOutPoint(42), Value: 3_000}
	require.NoError(t, l.AddChange(change, Account{Owner: "minter"}))
	c, ok := l.Credited(change.OutPoint)
	require.True(t, ok)
	assert.True(t, c.Change)
	assert.Len(t, l.AccountUtxos(Account{Owner: "minter"}), 1)
}

// minChange 枚举所有 k 个输入的组合，返回覆盖目标的最小总额
func minChange(values []uint64, k int, target uint64) uint64 {
	best := uint64(0)
	n := len(values)
	for mask := 0; mask < 1<<n; mask++ {
		if bits(mask) != k {
			continue
		}
		var sum uint64
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				sum += values[i]
			}
		}
		if sum >= target && (best == 0 || sum < best) {
			best = sum
		}
	}
	return best
}

func bits(x int) int {
	n := 0
	for ; x != 0; x &= x - 1 {
		n++
	}
	return n
}

// 选币: 覆盖目标、输入个数最少、同个数下找零最少、结果确定
func TestSelectCoinsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Uint64Range(1, 100_000), 1, 12).Draw(t, "values")
		target := rapid.Uint64Range(1, 400_000).Draw(t, "target")

		l, _ := ledgerWith(values...)
		asc := l.freeSorted()
		picked := selectCoins(asc, target)

		var total uint64
		desc := append([]uint64(nil), values...)
		sort.Slice(desc, func(i, j int) bool { return desc[i] > desc[j] })
		minCount := 0
		var acc uint64
		for _, v := range desc {
			total += v
			if acc < target {
				acc += v
				minCount++
			}
		}

		if total < target {
			require.Nil(t, picked)
			return
		}
		require.NotNil(t, picked)

		var sum uint64
		seen := make(map[OutPoint]bool)
		for _, c := range picked {
			require.False(t, seen[c.OutPoint], "duplicate pick")
			seen[c.OutPoint] = true
			sum += c.Value
		}
		require.GreaterOrEqual(t, sum, target)
		require.Equal(t, minCount, len(picked))
		require.Equal(t, minChange(values, minCount, target), sum, "change is not minimal")

		// 单输入时选的是能覆盖目标的最小输出
		if minCount == 1 {
			for _, c := range asc {
				if c.Value >= target {
					require.Equal(t, c.Value, picked[0].Value)
					break
				}
			}
		}

		again := selectCoins(l.freeSorted(), target)
		require.Equal(t, len(picked), len(again))
		for i := range picked {
			require.Equal(t, picked[i].OutPoint, again[i].OutPoint)
		}
	})
}
