package mpc

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

var ErrNotEnoughShares = errors.New("分片数量不足阈值")

// Split 将签名种子切分为 N 个部分，至少需要 M 个才能恢复
// parts: 切分总数 (N)
// threshold: 恢复阈值 (M)
// 每个 Share 的最后一个字节是 X 坐标
func Split(secret []byte, parts, threshold int) ([][]byte, error) {
	if threshold < 2 || threshold > parts {
		return nil, fmt.Errorf("无效的门限参数 %d/%d", threshold, parts)
	}
	return shamir.Split(secret, parts, threshold)
}

// Combine 从至少 threshold 个 Shares 中恢复种子
func Combine(shares [][]byte, threshold int) ([]byte, error) {
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: %d < %d", ErrNotEnoughShares, len(shares), threshold)
	}
	secret, err := shamir.Combine(shares[:threshold])
	if err != nil {
		return nil, fmt.Errorf("恢复种子失败: %w", err)
	}
	return secret, nil
}
