package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"btc-minter/internal/signer"
	"btc-minter/pkg/bip39"
	"btc-minter/pkg/config"
	"btc-minter/pkg/keystore"
	"btc-minter/pkg/kms"
	"btc-minter/pkg/mpc"

	"github.com/spf13/cobra"
)

var (
	mnemonicFile string
	shareDir     string
	parts        int
	threshold    int
	expectXPub   string
)

func init() {
	rootCmd.AddCommand(sharesCmd)

	sharesCmd.AddCommand(splitCmd)
	splitCmd.Flags().StringVarP(&mnemonicFile, "mnemonic", "m", "custody.json", "托管助记词 keystore 文件")
	splitCmd.Flags().StringVarP(&shareDir, "dir", "d", "keystore", "分片输出目录")
	splitCmd.Flags().IntVarP(&parts, "parts", "n", 3, "分片总数 (N)")
	splitCmd.Flags().IntVarP(&threshold, "threshold", "t", 2, "恢复阈值 (M)")

	sharesCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVarP(&shareDir, "dir", "d", "keystore", "分片目录")
	verifyCmd.Flags().IntVarP(&threshold, "threshold", "t", 2, "恢复阈值 (M)")
	verifyCmd.Flags().StringVar(&expectXPub, "xpub", "", "期望的托管扩展公钥，非空时校验一致")
}

var sharesCmd = &cobra.Command{
	Use:   "shares",
	Short: "签名种子的 Shamir 分片工具",
}

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "把托管种子切分为 N 个加密分片",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 解密助记词
		encrypted, err := keystore.LoadFromFile(mnemonicFile)
		if err != nil {
			return fmt.Errorf("加载 keystore 失败: %w", err)
		}
		password, err := readPassword("助记词 keystore 密码: ", false)
		if err != nil {
			return err
		}
		mnemonic, err := keystore.DecryptMnemonic(encrypted, password)
		if err != nil {
			return fmt.Errorf("解密失败 (密码错误?): %w", err)
		}

		// 2. 切分种子
		seed, err := bip39.Seed(mnemonic, "")
		if err != nil {
			return err
		}
		shares, err := mpc.Split(seed, parts, threshold)
		if err != nil {
			return err
		}

		// 3. 分片统一用签名节点密码加密 (SIGNER_PASSWORD)
		signerPassword, err := readPassword("签名节点密码: ", true)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(shareDir, 0o700); err != nil {
			return err
		}
		for i, share := range shares {
			k, err := keystore.EncryptSecret(share, signerPassword, keystore.KindShare, keystore.StandardScryptN)
			if err != nil {
				return fmt.Errorf("加密分片 %d 失败: %w", i+1, err)
			}
			k.Label = fmt.Sprintf("share-%d", i+1)
			file := filepath.Join(shareDir, k.Label+".json")
			if err := k.SaveToFile(file); err != nil {
				return err
			}
			fmt.Printf("🔐 %s -> %s\n", k.Label, file)
		}
		fmt.Printf("\n种子已切分为 %d 个分片 (阈值 %d)。每个签名节点只应持有一个分片。\n", parts, threshold)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "用 M 个分片恢复种子并输出托管扩展公钥",
	RunE: func(cmd *cobra.Command, args []string) error {
		net, err := network()
		if err != nil {
			return err
		}
		password, err := readPassword("签名节点密码: ", false)
		if err != nil {
			return err
		}

		s, err := signer.LoadFromKeystore(config.SignerConfig{
			KeystoreDir: shareDir,
			Threshold:   threshold,
			Password:    password,
		}, kms.NewLocalKMS(), net, expectXPub, nil)
		if err != nil {
			return err
		}
		defer s.Seal()

		xpub, err := s.XPub()
		if err != nil {
			return err
		}
		fmt.Printf("🔑 分片有效，托管扩展公钥: %s\n", xpub)
		return nil
	},
}
