package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSecret(t *testing.T) {
	secret := []byte{0x01, 0x02, 0xff, 0x00, 0x7f}
	password := "secure-password"

	// 1. Encrypt
	keyJSON, err := EncryptSecret(secret, password, KindShare, LightScryptN)
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm", keyJSON.Crypto.Cipher)
	assert.Equal(t, KindShare, keyJSON.Kind)

	// 2. Decrypt with correct password
	plaintext, err := DecryptSecret(keyJSON, password)
	require.NoError(t, err)
	assert.Equal(t, secret, plaintext)

	// 3. Decrypt with wrong password
	_, err = DecryptSecret(keyJSON, "wrong-password")
	assert.ErrorIs(t, err, ErrMACMismatch)
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	keyJSON, err := EncryptMnemonic(mnemonic, "pw")
	require.NoError(t, err)
	got, err := DecryptMnemonic(keyJSON, "pw")
	require.NoError(t, err)
	assert.Equal(t, mnemonic, got)
}

func TestSaveLoadDir(t *testing.T) {
	dir := t.TempDir()

	for i, s := range []string{"share-a", "share-b"} {
		k, err := EncryptSecret([]byte(s), "123456", KindShare, LightScryptN)
		require.NoError(t, err)
		k.Label = s
		require.NoError(t, k.SaveToFile(filepath.Join(dir, []string{"1.json", "2.json"}[i])))
	}
	m, err := EncryptSecret([]byte("words"), "123456", KindMnemonic, LightScryptN)
	require.NoError(t, err)
	require.NoError(t, m.SaveToFile(filepath.Join(dir, "mnemonic.json")))

	shares, err := LoadDir(dir, KindShare)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, "share-a", shares[0].Label)

	decrypted, err := DecryptSecret(shares[1], "123456")
	require.NoError(t, err)
	assert.Equal(t, "share-b", string(decrypted))
}
