package screener

import (
	"context"
	"errors"
	"testing"
	"time"

	"btc-minter/internal/minter"
	"btc-minter/pkg/cache"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingScreener struct {
	inner minter.Screener
	calls int
	err   error
}

func (c *countingScreener) Check(ctx context.Context, u minter.Utxo, owner minter.Account) (minter.Verdict, error) {
	c.calls++
	if c.err != nil {
		return minter.VerdictClean, c.err
	}
	return c.inner.Check(ctx, u, owner)
}

func utxo(seed string, vout uint32) minter.Utxo {
	return minter.Utxo{OutPoint: minter.OutPoint{TxID: chainhash.DoubleHashH([]byte(seed)), Vout: vout}, Value: 10_000}
}

func TestListScreener(t *testing.T) {
	ctx := context.Background()
	bad := utxo("bad", 0)
	badOutput := utxo("mixed", 1)

	s := NewListScreener(NewStaticDenyList(
		"tx:"+bad.OutPoint.TxID.String(),
		"utxo:"+badOutput.OutPoint.String(),
		"owner:sanctioned",
	))

	tests := []struct {
		name  string
		u     minter.Utxo
		owner string
		want  minter.Verdict
	}{
		{"clean", utxo("good", 0), "alice", minter.VerdictClean},
		{"tainted tx", bad, "alice", minter.VerdictTainted},
		{"tainted output", badOutput, "alice", minter.VerdictTainted},
		{"sibling output is clean", utxo("mixed", 0), "alice", minter.VerdictClean},
		{"tainted owner", utxo("good", 0), "sanctioned", minter.VerdictTainted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Check(ctx, tt.u, minter.Account{Owner: tt.owner})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCachedScreener(t *testing.T) {
	ctx := context.Background()
	bad := utxo("bad", 0)
	inner := &countingScreener{inner: NewListScreener(NewStaticDenyList("tx:" + bad.OutPoint.TxID.String()))}
	c := NewCached(inner, cache.NewMemoryCache(time.Minute, time.Minute), time.Hour)
	alice := minter.Account{Owner: "alice"}

	for i := 0; i < 3; i++ {
		v, err := c.Check(ctx, bad, alice)
		require.NoError(t, err)
		assert.Equal(t, minter.VerdictTainted, v)

		v, err = c.Check(ctx, utxo("good", 0), alice)
		require.NoError(t, err)
		assert.Equal(t, minter.VerdictClean, v)
	}
	assert.Equal(t, 2, inner.calls)

	// 失败不写缓存
	inner.err = errors.New("screening service down")
	_, err := c.Check(ctx, utxo("new", 0), alice)
	assert.Error(t, err)
	inner.err = nil
	_, err = c.Check(ctx, utxo("new", 0), alice)
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls)
}

func TestAllowAll(t *testing.T) {
	v, err := AllowAll{}.Check(context.Background(), utxo("x", 0), minter.Account{})
	require.NoError(t, err)
	assert.Equal(t, minter.VerdictClean, v)
}
