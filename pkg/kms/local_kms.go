package kms

import (
	"fmt"
	"sync"
	"time"

	"btc-minter/pkg/crypto_util"
	"btc-minter/pkg/safe_random"
)

// keyEntry 是内部存储结构，包含密钥（敏感数据）和元数据
type keyEntry struct {
	Metadata KeyMetadata
	Secret   []byte
}

// LocalKMS 是 KeyManager 接口的本地内存实现。
// 它模拟了一个硬件安全模块 (HSM)，密钥存储在内存中，不直接暴露给外部。
type LocalKMS struct {
	mu   sync.RWMutex
	keys map[string]*keyEntry
}

// NewLocalKMS 创建一个新的 LocalKMS 实例。
func NewLocalKMS() *LocalKMS {
	return &LocalKMS{
		keys: make(map[string]*keyEntry),
	}
}

// CreateKey 创建一个新的密钥，并返回其 ID。
func (kms *LocalKMS) CreateKey(kType KeyType) (string, error) {
	if kType != KeyTypeAES {
		return "", fmt.Errorf("不支持的密钥类型: %s", kType)
	}

	kms.mu.Lock()
	defer kms.mu.Unlock()

	// 生成一个随机 Key ID
	keyID, err := safe_random.Hex(16)
	if err != nil {
		return "", fmt.Errorf("生成 KeyID 失败: %w", err)
	}

	// AES 256
	secret, err := safe_random.Bytes(32)
	if err != nil {
		return "", err
	}

	kms.keys[keyID] = &keyEntry{
		Metadata: KeyMetadata{
			KeyID:     keyID,
			Type:      kType,
			CreatedAt: time.Now().Unix(),
			Enabled:   true,
		},
		Secret: secret,
	}

	return keyID, nil
}

func (kms *LocalKMS) lookup(keyID string) (*keyEntry, error) {
	entry, exists := kms.keys[keyID]
	if !exists {
		return nil, ErrKeyNotFound
	}
	if !entry.Metadata.Enabled {
		return nil, ErrKeyDisabled
	}
	return entry, nil
}

// Encrypt 使用指定的密钥加密数据。
func (kms *LocalKMS) Encrypt(keyID string, plaintext []byte) ([]byte, error) {
	kms.mu.RLock()
	defer kms.mu.RUnlock()

	entry, err := kms.lookup(keyID)
	if err != nil {
		return nil, err
	}
	return crypto_util.SealAESGCM(entry.Secret, plaintext, []byte(keyID))
}

// Decrypt 使用指定的密钥解密数据。
func (kms *LocalKMS) Decrypt(keyID string, ciphertext []byte) ([]byte, error) {
	kms.mu.RLock()
	defer kms.mu.RUnlock()

	entry, err := kms.lookup(keyID)
	if err != nil {
		return nil, err
	}
	return crypto_util.OpenAESGCM(entry.Secret, ciphertext, []byte(keyID))
}

func (kms *LocalKMS) Disable(keyID string) error {
	kms.mu.Lock()
	defer kms.mu.Unlock()

	entry, exists := kms.keys[keyID]
	if !exists {
		return ErrKeyNotFound
	}
	entry.Metadata.Enabled = false
	return nil
}

func (kms *LocalKMS) Metadata(keyID string) (KeyMetadata, error) {
	kms.mu.RLock()
	defer kms.mu.RUnlock()

	entry, exists := kms.keys[keyID]
	if !exists {
		return KeyMetadata{}, ErrKeyNotFound
	}
	return entry.Metadata, nil
}
