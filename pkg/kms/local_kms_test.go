package kms

import (
	"bytes"
	"errors"
	"testing"
)

func TestLocalKMS_AES(t *testing.T) {
	kms := NewLocalKMS()

	// 创建 AES 密钥
	keyID, err := kms.CreateKey(KeyTypeAES)
	if err != nil {
		t.Fatalf("创建 AES 密钥失败: %v", err)
	}

	// 测试加密
	plaintext := []byte("这是最高机密")
	ciphertext, err := kms.Encrypt(keyID, plaintext)
	if err != nil {
		t.Fatalf("AES 加密失败: %v", err)
	}

	// 测试解密
	decrypted, err := kms.Decrypt(keyID, ciphertext)
	if err != nil {
		t.Fatalf("AES 解密失败: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Errorf("AES 解密内容不匹配")
	}
}

func TestLocalKMS_Disable(t *testing.T) {
	kms := NewLocalKMS()
	keyID, err := kms.CreateKey(KeyTypeAES)
	if err != nil {
		t.Fatalf("创建密钥失败: %v", err)
	}
	ct, err := kms.Encrypt(keyID, []byte("share"))
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	if err := kms.Disable(keyID); err != nil {
		t.Fatalf("禁用失败: %v", err)
	}
	if _, err := kms.Decrypt(keyID, ct); !errors.Is(err, ErrKeyDisabled) {
		t.Errorf("禁用后解密应返回 ErrKeyDisabled, 得到 %v", err)
	}
	meta, err := kms.Metadata(keyID)
	if err != nil || meta.Enabled {
		t.Errorf("元数据应显示已禁用: %+v, %v", meta, err)
	}
}

func TestLocalKMS_UnknownKey(t *testing.T) {
	kms := NewLocalKMS()
	if _, err := kms.Encrypt("missing", []byte("x")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("期望 ErrKeyNotFound, 得到 %v", err)
	}
	if _, err := kms.CreateKey("RSA"); err == nil {
		t.Errorf("不支持的密钥类型应该报错")
	}
}

func TestLocalKMS_CiphertextBoundToKey(t *testing.T) {
	kms := NewLocalKMS()
	k1, _ := kms.CreateKey(KeyTypeAES)
	k2, _ := kms.CreateKey(KeyTypeAES)

	ct, err := kms.Encrypt(k1, []byte("share"))
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	if _, err := kms.Decrypt(k2, ct); err == nil {
		t.Errorf("其他密钥不应能打开封存的分片")
	}
}
