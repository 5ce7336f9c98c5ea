package minter

import (
	"bytes"
	"context"
	"testing"

	"btc-minter/pkg/bip32"
	"btc-minter/pkg/errno"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// 安装后 (None, None) 与 (None, [1;32]) 得到两个不同的合法地址
func TestSubaccountAddressesDiffer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	plain, err := h.m.GetBtcAddress(ctx, "alice", nil, nil)
	require.NoError(t, err)
	sub, err := h.m.GetBtcAddress(ctx, "alice", nil, bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	assert.NotEqual(t, plain, sub)
	for _, a := range []string{plain, sub} {
		decoded, err := btcutil.DecodeAddress(a, &chaincfg.RegressionNetParams)
		require.NoError(t, err)
		assert.IsType(t, &btcutil.AddressWitnessPubKeyHash{}, decoded)
	}

	// 全零子账户等价于不指定
	zero, err := h.m.GetBtcAddress(ctx, "alice", nil, make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, plain, zero)

	// owner 缺省为调用方
	owner := "alice"
	viaOwner, err := h.m.GetBtcAddress(ctx, "bob", &owner, nil)
	require.NoError(t, err)
	assert.Equal(t, plain, viaOwner)

	_, err = h.m.GetBtcAddress(ctx, "alice", nil, []byte{1, 2, 3})
	assert.ErrorIs(t, err, errno.ErrInvalidSubaccount)
}

func TestAnonymousCallerHasAddress(t *testing.T) {
	h := newHarness(t)
	anon, err := h.m.GetBtcAddress(context.Background(), "", nil, nil)
	require.NoError(t, err)
	explicit, err := h.m.GetBtcAddress(context.Background(), AnonymousPrincipal, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, anon, explicit)
}

func TestDerivationIsDeterministic(t *testing.T) {
	root, err := bip32.ParseExtendedKey(testXPub(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	d1, err := NewAddressDeriver(root, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	d2, err := NewAddressDeriver(root, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	acc := Account{Owner: "alice"}
	a1, err := d1.Address(acc)
	require.NoError(t, err)
	a2, err := d2.Address(acc)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	owner, ok := d1.Owner(a1)
	assert.True(t, ok)
	assert.Equal(t, acc, owner)

	path := DerivationPath(acc)
	require.Len(t, path, pathHashWords+1)
	for _, p := range path {
		assert.Less(t, p, uint32(0x80000000), "path must stay unhardened")
	}
}

func TestDeriverRejectsPrivateRoot(t *testing.T) {
	w, err := bip32.NewMasterKeyFromSeed(testSeed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	_, err = NewAddressDeriver(w.MasterKey(), &chaincfg.RegressionNetParams)
	assert.Error(t, err)
}

// 不同身份键永远得到不同地址
func TestAddressUniqueness(t *testing.T) {
	root, err := bip32.ParseExtendedKey(testXPub(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		d, err := NewAddressDeriver(root, &chaincfg.RegressionNetParams)
		require.NoError(t, err)

		owners := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z0-9-]{1,12}`), 1, 4, rapid.ID[string]).Draw(t, "owners")
		subs := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 32, 32), 0, 3).Draw(t, "subs")

		seen := make(map[string]Account)
		for _, o := range owners {
			accs := []Account{{Owner: o}}
			for _, s := range subs {
				sub, err := ParseSubaccount(s)
				require.NoError(t, err)
				accs = append(accs, Account{Owner: o, Subaccount: sub})
			}
			for _, acc := range accs {
				addr, err := d.Address(acc)
				require.NoError(t, err)
				if prev, ok := seen[addr]; ok {
					require.Equal(t, prev, acc, "address %s shared by two identities", addr)
				}
				seen[addr] = acc
			}
		}
	})
}
