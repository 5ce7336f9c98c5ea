package address

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// BTCGenerator 比特币地址生成器
type BTCGenerator struct {
	network *chaincfg.Params
}

func NewBTCGenerator(network *chaincfg.Params) *BTCGenerator {
	return &BTCGenerator{network: network}
}

// Network 返回生成器使用的网络参数
func (g *BTCGenerator) Network() *chaincfg.Params {
	return g.network
}

// PubKeyToSegwit 将压缩公钥转换为 P2WPKH (bech32) 地址，托管地址统一使用这种类型
func (g *BTCGenerator) PubKeyToSegwit(pubKeyBytes []byte) (*btcutil.AddressWitnessPubKeyHash, error) {
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKeyBytes), g.network)
}

// Decode 解析并校验地址属于当前网络
func (g *BTCGenerator) Decode(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, g.network)
	if err != nil {
		return nil, err
	}
	if !decoded.IsForNet(g.network) {
		return nil, ErrWrongNetwork
	}
	return decoded, nil
}

// PkScript 返回地址对应的锁定脚本
func PkScript(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}
