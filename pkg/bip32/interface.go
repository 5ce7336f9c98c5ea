package bip32

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ExtendedKey 是 minter 需要的 BIP-32 扩展密钥能力。
// 服务端只持有 xpub，私钥只在签名回调里短暂出现
type ExtendedKey interface {
	String() string
	ECPubKey() (*btcec.PublicKey, error)
	// ECPrivKey xpub 上调用会返回错误
	ECPrivKey() (*btcec.PrivateKey, error)
	Derive(index uint32) (ExtendedKey, error)
	IsPrivate() bool
	Neuter() (ExtendedKey, error)
}

var (
	ErrInvalidSeed   = errors.New("无效的种子")
	ErrInvalidPath   = errors.New("无效的派生路径")
	ErrHardenedChild = errors.New("扩展公钥不能派生强化子密钥")
)
