package bip32

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// BTCKeychain 实现了 ExtendedKey 接口，封装了 hdkeychain.ExtendedKey
type BTCKeychain struct {
	key     *hdkeychain.ExtendedKey
	network *chaincfg.Params
}

func (k *BTCKeychain) String() string {
	return k.key.String()
}

func (k *BTCKeychain) ECPubKey() (*btcec.PublicKey, error) {
	return k.key.ECPubKey()
}

// ECPrivKey 返回椭圆曲线私钥
func (k *BTCKeychain) ECPrivKey() (*btcec.PrivateKey, error) {
	return k.key.ECPrivKey()
}

func (k *BTCKeychain) Derive(index uint32) (ExtendedKey, error) {
	if !k.key.IsPrivate() && index >= hdkeychain.HardenedKeyStart {
		return nil, ErrHardenedChild
	}
	childKey, err := k.key.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("派生子密钥失败: %v", err)
	}
	return &BTCKeychain{key: childKey, network: k.network}, nil
}

func (k *BTCKeychain) IsPrivate() bool {
	return k.key.IsPrivate()
}

func (k *BTCKeychain) Neuter() (ExtendedKey, error) {
	neuterKey, err := k.key.Neuter()
	if err != nil {
		return nil, fmt.Errorf("转换公钥失败: %v", err)
	}
	return &BTCKeychain{key: neuterKey, network: k.network}, nil
}

// ParseExtendedKey 解析 Base58 编码的 xpub/xprv，并校验其网络
func ParseExtendedKey(s string, network *chaincfg.Params) (*BTCKeychain, error) {
	key, err := hdkeychain.NewKeyFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("解析扩展密钥失败: %v", err)
	}
	if network != nil && !key.IsForNet(network) {
		return nil, fmt.Errorf("扩展密钥不属于网络 %s", network.Name)
	}
	return &BTCKeychain{key: key, network: network}, nil
}

// DeriveIndices 依次按索引派生
func DeriveIndices(key ExtendedKey, path []uint32) (ExtendedKey, error) {
	cur := key
	for _, idx := range path {
		next, err := cur.Derive(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// FormatPath 把索引序列格式化为 m/a/b/c
func FormatPath(path []uint32) string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, idx := range path {
		sb.WriteByte('/')
		if idx >= hdkeychain.HardenedKeyStart {
			sb.WriteString(strconv.FormatUint(uint64(idx-hdkeychain.HardenedKeyStart), 10))
			sb.WriteByte('\'')
			continue
		}
		sb.WriteString(strconv.FormatUint(uint64(idx), 10))
	}
	return sb.String()
}

// ParsePath 解析路径字符串
// 支持格式: m/44'/0'/0'/0/0 或 m/44h/0h/0h/0/0
func ParsePath(path string) ([]uint32, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "m")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil, nil
	}

	segments := strings.Split(path, "/")
	out := make([]uint32, 0, len(segments))
	for _, segment := range segments {
		isHardened := false
		if strings.HasSuffix(segment, "'") || strings.HasSuffix(segment, "h") {
			isHardened = true
			segment = segment[:len(segment)-1]
		}

		val, err := strconv.ParseUint(segment, 10, 32)
		if err != nil || val >= uint64(hdkeychain.HardenedKeyStart) {
			return nil, fmt.Errorf("%w: 无效的路径段 '%s'", ErrInvalidPath, segment)
		}
		index := uint32(val)
		if isHardened {
			index += hdkeychain.HardenedKeyStart
		}
		out = append(out, index)
	}
	return out, nil
}

// Wallet 由种子恢复的主密钥
type Wallet struct {
	masterKey *BTCKeychain
	network   *chaincfg.Params
}

// NewMasterKeyFromSeed 使用 BIP-39 种子生成主密钥
// network: 默认为 chaincfg.MainNetParams
func NewMasterKeyFromSeed(seed []byte, network *chaincfg.Params) (*Wallet, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return nil, ErrInvalidSeed
	}

	if network == nil {
		network = &chaincfg.MainNetParams
	}

	masterKey, err := hdkeychain.NewMaster(seed, network)
	if err != nil {
		return nil, fmt.Errorf("生成主密钥失败: %v", err)
	}

	return &Wallet{
		masterKey: &BTCKeychain{key: masterKey, network: network},
		network:   network,
	}, nil
}

func (w *Wallet) MasterKey() ExtendedKey {
	return w.masterKey
}
