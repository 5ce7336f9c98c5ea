package cmd

import (
	"fmt"
	"os"
	"syscall"

	"btc-minter/internal/minter"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var networkName string

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "minter-cli",
	Short: "BTC minter 运维命令行工具",
	Long: `BTC minter 的离线与运维工具。
支持生成托管助记词、切分签名种子、派生充值地址、检查快照以及调用 minter gRPC 接口。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&networkName, "network", "regtest", "比特币网络 (mainnet/testnet/signet/regtest)")
}

func network() (*chaincfg.Params, error) {
	return minter.NetworkParams(networkName)
}

// readPassword 从终端读取密码，confirm 为 true 时要求输入两次
func readPassword(prompt string, confirm bool) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("读取密码失败: %w", err)
	}
	if !confirm {
		return string(b), nil
	}

	fmt.Print("确认密码: ")
	again, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("读取密码失败: %w", err)
	}
	if string(b) != string(again) {
		return "", fmt.Errorf("两次输入的密码不一致")
	}
	if len(b) < 6 {
		return "", fmt.Errorf("密码长度至少需要 6 位")
	}
	return string(b), nil
}
