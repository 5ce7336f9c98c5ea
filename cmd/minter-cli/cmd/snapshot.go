package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"btc-minter/internal/minter"
	"btc-minter/internal/store"
	"btc-minter/pkg/config"
	"btc-minter/pkg/database"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/cobra"
)

var (
	snapshotFile string
	exportFile   string
	showInFlight bool
)

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVarP(&snapshotFile, "file", "f", "", "快照文件，为空时从数据库读取最新快照")
	inspectCmd.Flags().BoolVar(&showInFlight, "in-flight", false, "列出未终结的提现及其最新交易")

	snapshotCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFile, "output", "o", "snapshot.json", "输出文件")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "minter 状态快照工具",
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "校验快照并输出摘要",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if snapshotFile != "" {
			data, err = os.ReadFile(snapshotFile)
		} else {
			data, err = loadLatestSnapshot(cmd.Context())
		}
		if err != nil {
			return err
		}

		s, err := minter.DecodeSnapshot(data)
		if err != nil {
			return fmt.Errorf("快照无效: %w", err)
		}
		printSnapshot(s)
		if showInFlight {
			return printInFlight(s)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "把数据库中的最新快照导出到文件",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := loadLatestSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := minter.DecodeSnapshot(data); err != nil {
			return fmt.Errorf("快照无效: %w", err)
		}
		if err := os.WriteFile(exportFile, data, 0o600); err != nil {
			return err
		}
		fmt.Printf("✅ 已导出 %d 字节到 %s\n", len(data), exportFile)
		return nil
	},
}

// loadLatestSnapshot 按服务端同样的配置连接数据库
func loadLatestSnapshot(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	config.Init()
	cfg := config.Global

	db, err := database.ConnectPostgres(database.DSN(cfg.DB), false)
	if err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.NewSnapshotStore(db, cfg.Minter.MinterID, 0).Load(ctx)
}

func printSnapshot(s *minter.Snapshot) {
	fmt.Println("================ 快照 ================")
	fmt.Printf("Version:   %d\n", s.Version)
	fmt.Printf("TakenAt:   %s\n", s.TakenAt.Format(time.RFC3339))
	fmt.Printf("XPub:      %s\n", s.XPub)
	fmt.Printf("Network:   %s\n", s.Config.Network)
	fmt.Printf("MinterID:  %s\n", s.Config.MinterID)
	fmt.Printf("Mode:      %s %v\n", s.Config.Mode, s.Config.ModeAllowList)
	fmt.Printf("MinConf:   %d\n", s.Config.MinConfirmations)
	fmt.Printf("KytFee:    %d sat\n", s.Config.KytFee)

	// UTXO 按状态汇总
	var total uint64
	states := map[string]int{}
	for _, u := range s.Utxos {
		states[u.State]++
		total += u.Value
	}
	fmt.Println("---------------- UTXO ----------------")
	for _, k := range sortedKeys(states) {
		fmt.Printf("%-12s %d\n", k, states[k])
	}
	fmt.Printf("托管总额:    %s\n", btcutil.Amount(total))

	// 提现按状态汇总
	statuses := map[string]int{}
	for _, w := range s.Withdrawals {
		statuses[w.Status]++
	}
	fmt.Println("---------------- 提现 ----------------")
	for _, k := range sortedKeys(statuses) {
		fmt.Printf("%-12s %d\n", k, statuses[k])
	}
	fmt.Printf("幂等键:      %d\n", len(s.Keys))
	fmt.Println("======================================")
}

// printInFlight 解码每个在途提现最新一次广播的交易
func printInFlight(s *minter.Snapshot) error {
	for _, w := range s.Withdrawals {
		if len(w.Txs) == 0 {
			if w.Status == string(minter.WithdrawalPending) {
				fmt.Printf("#%d %s %d sat -> %s (未选币)\n", w.ID, w.Status, w.Amount, w.Destination)
			}
			continue
		}
		if w.Status != string(minter.WithdrawalSubmitted) {
			continue
		}
		last := w.Txs[len(w.Txs)-1]
		raw, err := hex.DecodeString(last.RawTx)
		if err != nil {
			return fmt.Errorf("提现 #%d: %w", w.ID, err)
		}
		tx, err := minter.DecodeRawTx(raw)
		if err != nil {
			return fmt.Errorf("提现 #%d: %w", w.ID, err)
		}
		fmt.Printf("#%d %s %d sat -> %s\n", w.ID, w.Status, w.Amount, w.Destination)
		fmt.Printf("    txid=%s fee=%d replacements=%d submitted_at=%s\n",
			tx.TxHash(), last.Fee, len(w.Txs)-1, last.SubmittedAt.Format(time.RFC3339))
		for _, in := range tx.TxIn {
			fmt.Printf("    in  %s seq=%#x\n", in.PreviousOutPoint, in.Sequence)
		}
		for i, out := range tx.TxOut {
			fmt.Printf("    out %d %s\n", i, btcutil.Amount(out.Value))
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
