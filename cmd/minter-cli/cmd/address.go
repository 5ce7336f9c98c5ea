package cmd

import (
	"fmt"

	"btc-minter/internal/minter"
	"btc-minter/pkg/bip32"

	"github.com/spf13/cobra"
)

// addressCmd 离线派生充值地址，用于核对服务端返回的地址
var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "从托管扩展公钥派生充值地址",
	RunE: func(cmd *cobra.Command, args []string) error {
		xpub, _ := cmd.Flags().GetString("xpub")
		owner, _ := cmd.Flags().GetString("owner")
		subHex, _ := cmd.Flags().GetString("subaccount")
		rawPath, _ := cmd.Flags().GetString("path")

		net, err := network()
		if err != nil {
			return err
		}
		root, err := bip32.ParseExtendedKey(xpub, net)
		if err != nil {
			return fmt.Errorf("解析 xpub 失败: %w", err)
		}
		deriver, err := minter.NewAddressDeriver(root, net)
		if err != nil {
			return err
		}

		// 显式路径用于核对托管输出，例如找零地址
		if rawPath != "" {
			path, err := bip32.ParsePath(rawPath)
			if err != nil {
				return err
			}
			script, err := deriver.ScriptForPath(path)
			if err != nil {
				return err
			}
			fmt.Printf("Path:     %s\n", bip32.FormatPath(path))
			fmt.Printf("PkScript: %x\n", script)
			return nil
		}

		sub, err := minter.ParseSubaccountHex(subHex)
		if err != nil {
			return err
		}

		acc := minter.Account{Owner: owner, Subaccount: sub}
		addr, err := deriver.Address(acc)
		if err != nil {
			return err
		}
		fmt.Printf("Account: %s\n", acc)
		fmt.Printf("Path:    %s\n", bip32.FormatPath(minter.DerivationPath(acc)))
		fmt.Printf("Address: %s\n", addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
	addressCmd.Flags().String("xpub", "", "托管扩展公钥 (minter.xpub)")
	addressCmd.Flags().String("owner", minter.AnonymousPrincipal, "身份")
	addressCmd.Flags().String("subaccount", "", "子账户 (32 字节 hex)")
	addressCmd.Flags().String("path", "", "直接按路径派生 (如 m/1/2/3)，忽略 owner")
	addressCmd.MarkFlagRequired("xpub")
}
