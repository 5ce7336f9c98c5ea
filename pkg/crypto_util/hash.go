package crypto_util

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// CalculateBlake3 返回 hex 编码的 Blake3-256 摘要，快照校验和使用它
func CalculateBlake3(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Blake3Sum 按顺序哈希多段输入，返回原始 32 字节摘要，用于确定性派生
func Blake3Sum(parts ...[]byte) [32]byte {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
