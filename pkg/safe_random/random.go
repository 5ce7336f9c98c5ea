// Package safe_random 基于 crypto/rand 的随机数
package safe_random

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// idempotencyKeyBytes 提现幂等键的随机字节数，hex 后 32 个字符，小于请求校验的 64 上限
const idempotencyKeyBytes = 16

// Bytes 返回 n 个随机字节，系统随机源失败时返回错误
func Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("生成随机字节失败: %w", err)
	}
	return b, nil
}

// Hex 返回 n 个随机字节的 hex 编码，长度为 2n
func Hex(n int) (string, error) {
	b, err := Bytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// IdempotencyKey 客户端没有提供幂等键时生成一个
func IdempotencyKey() (string, error) {
	return Hex(idempotencyKeyBytes)
}
