package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"btc-minter/pkg/bip32"
	"btc-minter/pkg/bip39"
	"btc-minter/pkg/keystore"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "生成托管助记词并加密保存",
	Long:  `生成新的 BIP-39 助记词，用密码加密保存为 keystore 文件，并输出托管扩展公钥 (minter.xpub)。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outputFile, _ := cmd.Flags().GetString("output")
		words, _ := cmd.Flags().GetInt("words")
		if _, err := os.Stat(outputFile); err == nil {
			return fmt.Errorf("文件 %s 已存在，请先删除或指定其他文件名", outputFile)
		}
		net, err := network()
		if err != nil {
			return err
		}

		// 1. 输入密码
		fmt.Println("请设置一个强密码来保护托管助记词。")
		password, err := readPassword("输入密码: ", true)
		if err != nil {
			return err
		}

		// 2. 生成助记词
		mnemonic, err := bip39.Generate(words)
		if err != nil {
			return err
		}

		// 3. 加密保存
		encryptedKey, err := keystore.EncryptMnemonic(mnemonic, password)
		if err != nil {
			return fmt.Errorf("加密失败: %w", err)
		}
		if err := encryptedKey.SaveToFile(outputFile); err != nil {
			return fmt.Errorf("保存文件失败: %w", err)
		}

		// 4. 托管公钥
		seed, err := bip39.Seed(mnemonic, "")
		if err != nil {
			return err
		}
		w, err := bip32.NewMasterKeyFromSeed(seed, net)
		if err != nil {
			return err
		}
		xpub, err := w.MasterKey().Neuter()
		if err != nil {
			return err
		}

		fmt.Printf("\n✅ 托管助记词已生成\n")
		fmt.Printf("文件位置: %s\n", outputFile)
		fmt.Printf("ID: %s\n", encryptedKey.Id)
		fmt.Printf("minter.xpub (%s): %s\n", net.Name, xpub.String())
		fmt.Println("\n⚠️  下一步: 使用 'minter-cli shares split' 切分签名种子，分发给各个签名节点。")

		fmt.Print("\n是否需要现在显示助记词以便备份? (y/N): ")
		input, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "y" || input == "yes" {
			fmt.Println("\n---------------------------------------------------")
			fmt.Println(mnemonic)
			fmt.Println("---------------------------------------------------")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", "custody.json", "输出的 keystore 文件名")
	initCmd.Flags().Int("words", 24, "助记词单词数 (12/15/18/21/24)")
}
