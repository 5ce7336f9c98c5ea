package minter

import (
	"encoding/binary"
	"sync"

	"btc-minter/pkg/address"
	"btc-minter/pkg/bip32"
	"btc-minter/pkg/crypto_util"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// derivationSchema 是路径的第一段，换算法时递增
	derivationSchema uint32 = 1
	pathHashWords           = 8
)

// DerivationPath 身份键 → 非强化路径 [schema, h0..h7]
// 每段取 blake3 摘要的 4 字节并截到 31 位
func DerivationPath(acc Account) []uint32 {
	var ownerLen [4]byte
	binary.BigEndian.PutUint32(ownerLen[:], uint32(len(acc.Owner)))
	sum := crypto_util.Blake3Sum(
		[]byte("btc-minter/deposit"),
		ownerLen[:],
		[]byte(acc.Owner),
		acc.Subaccount[:],
	)

	path := make([]uint32, 0, pathHashWords+1)
	path = append(path, derivationSchema)
	for i := 0; i < pathHashWords; i++ {
		path = append(path, binary.BigEndian.Uint32(sum[i*4:i*4+4])&0x7fffffff)
	}
	return path
}

type derivedAddress struct {
	addr     *btcutil.AddressWitnessPubKeyHash
	pkScript []byte
	path     []uint32
}

// AddressDeriver 从托管扩展公钥派生每个身份的 P2WPKH 充值地址
type AddressDeriver struct {
	root bip32.ExtendedKey
	gen  *address.BTCGenerator

	mu     sync.Mutex
	byAcc  map[Account]derivedAddress
	owners map[string]Account // 地址 → 身份，用于发现碰撞
}

func NewAddressDeriver(root bip32.ExtendedKey, network *chaincfg.Params) (*AddressDeriver, error) {
	if root.IsPrivate() {
		return nil, genericError("custody key must be an extended public key")
	}
	return &AddressDeriver{
		root:   root,
		gen:    address.NewBTCGenerator(network),
		byAcc:  make(map[Account]derivedAddress),
		owners: make(map[string]Account),
	}, nil
}

// Derive 纯函数语义: 同一身份永远得到同一地址，不同身份的地址碰撞视为不变量被破坏
func (d *AddressDeriver) Derive(acc Account) (derivedAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if da, ok := d.byAcc[acc]; ok {
		return da, nil
	}

	path := DerivationPath(acc)
	child, err := bip32.DeriveIndices(d.root, path)
	if err != nil {
		return derivedAddress{}, genericError("derive %s: %v", acc, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return derivedAddress{}, genericError("derive %s: %v", acc, err)
	}
	addr, err := d.gen.PubKeyToSegwit(pub.SerializeCompressed())
	if err != nil {
		return derivedAddress{}, genericError("derive %s: %v", acc, err)
	}
	script, err := address.PkScript(addr)
	if err != nil {
		return derivedAddress{}, genericError("derive %s: %v", acc, err)
	}

	encoded := addr.EncodeAddress()
	if prev, ok := d.owners[encoded]; ok && prev != acc {
		return derivedAddress{}, invariantf("address %s derived for both %s and %s", encoded, prev, acc)
	}
	d.owners[encoded] = acc

	da := derivedAddress{addr: addr, pkScript: script, path: path}
	d.byAcc[acc] = da
	return da, nil
}

// Address 返回身份的充值地址字符串
func (d *AddressDeriver) Address(acc Account) (string, error) {
	da, err := d.Derive(acc)
	if err != nil {
		return "", err
	}
	return da.addr.EncodeAddress(), nil
}

// Owner 反查地址对应的身份，只能查到派生过的地址
func (d *AddressDeriver) Owner(addr string) (Account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.owners[addr]
	return acc, ok
}

// DecodeDestination 校验提现目标地址属于当前网络
func (d *AddressDeriver) DecodeDestination(addr string) (btcutil.Address, []byte, error) {
	decoded, err := d.gen.Decode(addr)
	if err != nil {
		return nil, nil, err
	}
	script, err := address.PkScript(decoded)
	if err != nil {
		return nil, nil, err
	}
	return decoded, script, nil
}

func (d *AddressDeriver) Network() *chaincfg.Params {
	return d.gen.Network()
}

// ScriptForPath 返回托管路径对应的 P2WPKH 锁定脚本，签名时需要
func (d *AddressDeriver) ScriptForPath(path []uint32) ([]byte, error) {
	child, err := bip32.DeriveIndices(d.root, path)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	addr, err := d.gen.PubKeyToSegwit(pub.SerializeCompressed())
	if err != nil {
		return nil, err
	}
	return address.PkScript(addr)
}
