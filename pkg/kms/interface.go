package kms

import (
	"errors"
)

// KeyType 定义了支持的密钥类型
type KeyType string

const (
	KeyTypeAES KeyType = "AES" // 对称加密密钥，用于封存签名分片
)

// KeyMetadata 包含密钥的元数据，不包含敏感的私钥信息
type KeyMetadata struct {
	KeyID     string  `json:"key_id"`     // 密钥唯一标识符
	Type      KeyType `json:"type"`       // 密钥类型
	CreatedAt int64   `json:"created_at"` // 创建时间戳
	Enabled   bool    `json:"enabled"`    // 是否启用
}

// KeyManager 定义了密钥管理服务的核心行为。
// 这是一个抽象接口，允许我们后续替换为真实的 HSM (硬件安全模块) 或云端 KMS (如 AWS KMS)。
type KeyManager interface {
	// CreateKey 创建一个新的密钥，并返回其 ID。
	// 注意：密钥永远不会离开 KMS 的安全边界。
	CreateKey(kType KeyType) (string, error)

	// Encrypt 使用指定的密钥加密数据。
	Encrypt(keyID string, plaintext []byte) ([]byte, error)

	// Decrypt 使用指定的密钥解密数据。
	Decrypt(keyID string, ciphertext []byte) ([]byte, error)

	// Disable 禁用密钥，之后的加解密都会失败
	Disable(keyID string) error

	// Metadata 返回密钥元数据
	Metadata(keyID string) (KeyMetadata, error)
}

var (
	ErrKeyNotFound   = errors.New("密钥未找到")
	ErrKeyDisabled   = errors.New("密钥已禁用")
	ErrUnsupportedOp = errors.New("该密钥类型不支持此操作")
)
