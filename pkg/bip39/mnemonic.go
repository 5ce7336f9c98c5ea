// Package bip39 托管种子的助记词工具，只在离线命令行里使用
package bip39

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrWordCount       = errors.New("助记词单词数必须是 12/15/18/21/24")
	ErrInvalidMnemonic = errors.New("助记词校验和错误")
)

// Generate 生成 words 个单词的助记词，熵位数 = words / 3 * 32
func Generate(words int) (string, error) {
	if words < 12 || words > 24 || words%3 != 0 {
		return "", ErrWordCount
	}
	entropy, err := bip39.NewEntropy(words / 3 * 32)
	if err != nil {
		return "", fmt.Errorf("生成熵失败: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// Normalize 折叠多余空白并转小写，便于手工录入
func Normalize(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

func Valid(mnemonic string) bool {
	return bip39.IsMnemonicValid(Normalize(mnemonic))
}

// Seed 校验助记词后派生 64 字节种子。passphrase 是可选的 "第 25 个单词"
func Seed(mnemonic, passphrase string) ([]byte, error) {
	m := Normalize(mnemonic)
	if !bip39.IsMnemonicValid(m) {
		return nil, ErrInvalidMnemonic
	}
	return bip39.NewSeed(m, passphrase), nil
}
