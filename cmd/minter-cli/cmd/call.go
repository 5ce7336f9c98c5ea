package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	handler_grpc "btc-minter/internal/handler/grpc"
	"btc-minter/pkg/safe_random"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// callCmd 直接调用 minter gRPC 方法，请求与响应都是 JSON
var callCmd = &cobra.Command{
	Use:   "call <Method> [json]",
	Short: "调用 minter gRPC 接口 (Online)",
	Long: `以指定身份调用 minter gRPC 方法，例如:
  minter-cli call GetBtcAddress '{"owner":"alice"}'
  minter-cli call RetrieveBtc '{"address":"bcrt1q...","amount":50000}' --caller alice
  minter-cli call Configure '{"min_confirmations":3}' --caller controller`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("grpc")
		caller, _ := cmd.Flags().GetString("caller")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		req := map[string]interface{}{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &req); err != nil {
				return fmt.Errorf("请求 JSON 无效: %w", err)
			}
		}

		if args[0] == "RetrieveBtc" {
			if _, ok := req["idempotency_key"]; !ok {
				key, err := safe_random.IdempotencyKey()
				if err != nil {
					return err
				}
				req["idempotency_key"] = key
				fmt.Printf("idempotency_key: %s (重试时带上同一个值)\n", key)
			}
		}

		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := handler_grpc.NewClient(conn, caller).Call(ctx, args[0], req)
		if err != nil {
			return fmt.Errorf("❌ %s 失败: %w", args[0], err)
		}

		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().String("grpc", "localhost:50051", "minter gRPC 地址")
	callCmd.Flags().String("caller", "", "调用方身份，为空时按匿名处理")
	callCmd.Flags().Duration("timeout", 30*time.Second, "调用超时")
}
