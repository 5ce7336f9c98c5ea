package cmd

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"btc-minter/internal/minter"
	"btc-minter/pkg/bip32"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regtestXPub(t *testing.T) string {
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	w, err := bip32.NewMasterKeyFromSeed(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	pub, err := w.MasterKey().Neuter()
	require.NoError(t, err)
	return pub.String()
}

func run(args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestAddressCommand(t *testing.T) {
	xpub := regtestXPub(t)

	// cobra 的 flag 值在多次 Execute 之间保留，--path 放在最后
	assert.NoError(t, run("address", "--network", "regtest", "--xpub", xpub, "--owner", "alice"))
	assert.Error(t, run("address", "--network", "regtest", "--xpub", xpub, "--subaccount", "abcd"))
	assert.Error(t, run("address", "--network", "regtest", "--xpub", "not-a-key", "--subaccount", ""))
	assert.Error(t, run("address", "--network", "nowhere", "--xpub", xpub))
	assert.NoError(t, run("address", "--network", "regtest", "--xpub", xpub, "--path", "m/1/2/3"))
}

func TestSnapshotInspectFile(t *testing.T) {
	s := &minter.Snapshot{
		Version: 2,
		XPub:    regtestXPub(t),
		TakenAt: time.Now().UTC(),
		Config:  minter.ConfigRecord{V: 2, Network: "regtest", MinterID: "minter", Mode: "GeneralAvailability"},
		Utxos: []minter.UtxoRecord{{
			V:        2,
			OutPoint: "0000000000000000000000000000000000000000000000000000000000000001:0",
			Value:    50_000,
			Owner:    "alice",
			State:    "free",
		}},
		Withdrawals: []minter.WithdrawalRecord{{
			V:           2,
			ID:          7,
			Owner:       "alice",
			Destination: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
			Amount:      20_000,
			Status:      string(minter.WithdrawalPending),
		}},
	}
	data, err := minter.EncodeSnapshot(s)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(file, data, 0o600))
	assert.NoError(t, run("snapshot", "inspect", "-f", file, "--in-flight"))

	// 校验和不匹配
	tampered := bytes.Replace(data, []byte("50000"), []byte("50001"), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(file, tampered, 0o600))
	assert.Error(t, run("snapshot", "inspect", "-f", file))
}
