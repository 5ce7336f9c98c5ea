//go:build integration_test

package ledger

import (
	"context"
	"sync"
	"testing"

	"btc-minter/internal/dbtest"
	"btc-minter/internal/minter"
	"btc-minter/pkg/errno"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormLedgerMintBurn(t *testing.T) {
	ctx := context.Background()
	l := NewGormLedger(dbtest.NewDB(t))
	alice := minter.Account{Owner: "alice"}
	sub := minter.Account{Owner: "alice", Subaccount: minter.Subaccount{1}}

	idx, err := l.Mint(ctx, alice, 100_000, "mint:1")
	require.NoError(t, err)
	again, err := l.Mint(ctx, alice, 100_000, "mint:1")
	require.NoError(t, err)
	assert.Equal(t, idx, again, "same dedup key returns the first block index")

	_, err = l.Mint(ctx, sub, 5_000, "mint:2")
	require.NoError(t, err)

	bal, err := l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), bal)
	bal, err = l.Balance(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), bal)

	_, err = l.Burn(ctx, alice, 150_000, "burn:1")
	assert.ErrorIs(t, err, errno.ErrInsufficientFunds)

	burnIdx, err := l.Burn(ctx, alice, 60_000, "burn:1")
	require.NoError(t, err)
	assert.Greater(t, burnIdx, idx)
	bal, err = l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), bal)

	_, err = l.Mint(ctx, alice, 1, "burn:1")
	assert.ErrorIs(t, err, ErrDedupConflict)

	supply, err := l.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "45000", supply.String())

	hist, err := l.History(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, burnIdx, hist[0].ID)
}

func TestGormLedgerConcurrentBurns(t *testing.T) {
	ctx := context.Background()
	l := NewGormLedger(dbtest.NewDB(t))
	bob := minter.Account{Owner: "bob"}
	_, err := l.Mint(ctx, bob, 50_000, "seed")
	require.NoError(t, err)

	// 10 个并发燃烧，每个 10_000，只能成功 5 个
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Burn(ctx, bob, 10_000, "burn:"+string(rune('a'+i)))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, errno.ErrInsufficientFunds)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, ok)

	bal, err := l.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestGormLedgerDedupMustMatchOperation(t *testing.T) {
	ctx := context.Background()
	l := NewGormLedger(dbtest.NewDB(t))
	alice := minter.Account{Owner: "alice"}
	bob := minter.Account{Owner: "bob"}
	aliceSub := minter.Account{Owner: "alice", Subaccount: minter.Subaccount{9}}
	_, err := l.Mint(ctx, alice, 50_000, "seed:alice")
	require.NoError(t, err)
	_, err = l.Mint(ctx, bob, 2_000_000, "seed:bob")
	require.NoError(t, err)

	idx, err := l.Burn(ctx, alice, 10_000, "retrieve:K")
	require.NoError(t, err)

	// 同一笔操作重放
	again, err := l.Burn(ctx, alice, 10_000, "retrieve:K")
	require.NoError(t, err)
	assert.Equal(t, idx, again)

	// 其他账户或其他金额不能借用这笔 burn
	_, err = l.Burn(ctx, bob, 1_000_000, "retrieve:K")
	assert.ErrorIs(t, err, ErrDedupConflict)
	_, err = l.Burn(ctx, alice, 20_000, "retrieve:K")
	assert.ErrorIs(t, err, ErrDedupConflict)
	_, err = l.Burn(ctx, aliceSub, 10_000, "retrieve:K")
	assert.ErrorIs(t, err, ErrDedupConflict)

	bal, err := l.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), bal)
	bal, err = l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), bal)
}
