package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"btc-minter/internal/minter"
	"btc-minter/pkg/bip32"
	"btc-minter/pkg/config"
	"btc-minter/pkg/keystore"
	"btc-minter/pkg/kms"
	"btc-minter/pkg/mpc"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

var (
	ErrPathCount     = errors.New("derivation path count does not match inputs")
	ErrKeyMismatch   = errors.New("derived key does not control input")
	ErrXPubMismatch  = errors.New("recovered key does not match custody xpub")
	ErrSignerSealed  = errors.New("signer has no shares loaded")
	ErrInputMismatch = errors.New("input metadata does not match transaction")
)

// ThresholdSigner 持有 M 个 Shamir 分片，分片在内存中由 KMS 密钥封存。
// 只在签名时短暂恢复种子，签完立即清零
type ThresholdSigner struct {
	mu        sync.Mutex
	km        kms.KeyManager
	keyID     string
	sealed    [][]byte
	threshold int
	net       *chaincfg.Params
	logger    *zap.Logger
}

var _ minter.Signer = (*ThresholdSigner)(nil)

// NewThresholdSigner 封存分片。expectXPub 非空时先恢复一次种子，确认与托管公钥一致
func NewThresholdSigner(km kms.KeyManager, shares [][]byte, threshold int, net *chaincfg.Params, expectXPub string, logger *zap.Logger) (*ThresholdSigner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: %d < %d", mpc.ErrNotEnoughShares, len(shares), threshold)
	}

	// 1. 创建封存密钥
	keyID, err := km.CreateKey(kms.KeyTypeAES)
	if err != nil {
		return nil, fmt.Errorf("create sealing key: %w", err)
	}

	// 2. 逐个封存分片，只保留 threshold 个
	s := &ThresholdSigner{km: km, keyID: keyID, threshold: threshold, net: net, logger: logger.Named("signer")}
	for _, share := range shares[:threshold] {
		ct, err := km.Encrypt(keyID, share)
		if err != nil {
			return nil, fmt.Errorf("seal share: %w", err)
		}
		s.sealed = append(s.sealed, ct)
	}

	// 3. 校验公钥
	if expectXPub != "" {
		xpub, err := s.XPub()
		if err != nil {
			return nil, err
		}
		if xpub != expectXPub {
			return nil, ErrXPubMismatch
		}
	}

	s.logger.Info("签名分片已加载", zap.Int("threshold", threshold), zap.String("kms_key", keyID))
	return s, nil
}

// LoadFromKeystore 从目录读取加密的分片文件并解密
func LoadFromKeystore(cfg config.SignerConfig, km kms.KeyManager, net *chaincfg.Params, expectXPub string, logger *zap.Logger) (*ThresholdSigner, error) {
	files, err := keystore.LoadDir(cfg.KeystoreDir, keystore.KindShare)
	if err != nil {
		return nil, err
	}
	if len(files) < cfg.Threshold {
		return nil, fmt.Errorf("%w: found %d share files, need %d", mpc.ErrNotEnoughShares, len(files), cfg.Threshold)
	}

	shares := make([][]byte, 0, cfg.Threshold)
	defer func() {
		for _, sh := range shares {
			zero(sh)
		}
	}()
	for _, f := range files {
		if len(shares) == cfg.Threshold {
			break
		}
		share, err := keystore.DecryptSecret(f, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("decrypt share %s: %w", f.Label, err)
		}
		shares = append(shares, share)
	}
	return NewThresholdSigner(km, shares, cfg.Threshold, net, expectXPub, logger)
}

// withMaster 恢复主私钥，回调返回后清零种子
func (s *ThresholdSigner) withMaster(fn func(master bip32.ExtendedKey) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sealed) == 0 {
		return ErrSignerSealed
	}

	shares := make([][]byte, 0, len(s.sealed))
	defer func() {
		for _, sh := range shares {
			zero(sh)
		}
	}()
	for _, ct := range s.sealed {
		pt, err := s.km.Decrypt(s.keyID, ct)
		if err != nil {
			return fmt.Errorf("unseal share: %w", err)
		}
		shares = append(shares, pt)
	}

	seed, err := mpc.Combine(shares, s.threshold)
	if err != nil {
		return err
	}
	defer zero(seed)

	w, err := bip32.NewMasterKeyFromSeed(seed, s.net)
	if err != nil {
		return err
	}
	return fn(w.MasterKey())
}

// XPub 托管主公钥
func (s *ThresholdSigner) XPub() (string, error) {
	var xpub string
	err := s.withMaster(func(master bip32.ExtendedKey) error {
		pub, err := master.Neuter()
		if err != nil {
			return err
		}
		xpub = pub.String()
		return nil
	})
	return xpub, err
}

// Seal 禁用封存密钥，之后的签名都会失败
func (s *ThresholdSigner) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = nil
	return s.km.Disable(s.keyID)
}

// Sign 为每个 P2WPKH 输入生成见证，签完用脚本引擎逐个验证
func (s *ThresholdSigner) Sign(ctx context.Context, u *minter.UnsignedTx, paths [][]uint32) (*wire.MsgTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(u.Tx.TxIn)
	if len(paths) != n {
		return nil, fmt.Errorf("%w: %d paths for %d inputs", ErrPathCount, len(paths), n)
	}
	if len(u.InputValues) != n || len(u.PrevScripts) != n {
		return nil, ErrInputMismatch
	}

	tx := u.Tx.Copy()

	// 1. 上一笔输出
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(int64(u.InputValues[i]), u.PrevScripts[i]))
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	// 2. 逐个输入签名
	err := s.withMaster(func(master bip32.ExtendedKey) error {
		for i := range tx.TxIn {
			child, err := bip32.DeriveIndices(master, paths[i])
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			priv, err := child.ECPrivKey()
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}

			pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
			want, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(pkHash).Script()
			if err != nil {
				return err
			}
			if !bytes.Equal(want, u.PrevScripts[i]) {
				return fmt.Errorf("%w: input %d path %s", ErrKeyMismatch, i, bip32.FormatPath(paths[i]))
			}

			witness, err := txscript.WitnessSignature(tx, sigHashes, i, int64(u.InputValues[i]),
				u.PrevScripts[i], txscript.SigHashAll, priv, true)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = witness
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 3. 验证
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(u.PrevScripts[i], tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, int64(u.InputValues[i]), fetcher)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("input %d verify: %w", i, err)
		}
	}

	s.logger.Debug("交易已签名", zap.String("txid", tx.TxHash().String()), zap.Int("inputs", n))
	return tx, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
