package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"btc-minter/internal/minter"
	"btc-minter/pkg/config"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"
)

var (
	// ErrTxNotFound 索引器不认识这笔交易
	ErrTxNotFound = errors.New("transaction not found")
	// ErrNoFeeEstimate 返回的估算里没有可用的目标
	ErrNoFeeEstimate = errors.New("no fee estimate available")
)

// TxStatus 交易上链状态
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO 是 /address/{addr}/utxo 的单条返回
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// FeeEstimates 确认目标 (区块数) -> sat/vB
type FeeEstimates map[string]float64

// EsploraClient 通过 Esplora REST 接口实现 minter.Indexer 和 minter.FeeRateSource
type EsploraClient struct {
	cfg        config.IndexerConfig
	httpClient *http.Client
	logger     *zap.Logger

	// 动态费率取哪个确认目标
	feeTarget string
	fallback  uint64
}

var (
	_ minter.Indexer       = (*EsploraClient)(nil)
	_ minter.FeeRateSource = (*EsploraClient)(nil)
)

// NewEsploraClient fallbackRate 在费率接口不可用时使用
func NewEsploraClient(cfg config.IndexerConfig, fallbackRate uint64, logger *zap.Logger) *EsploraClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EsploraClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger.Named("esplora"),
		feeTarget:  "6",
		fallback:   fallbackRate,
	}
}

// doRequest 带重试的 HTTP 请求，body 每次重试都重新构造
func (c *EsploraClient) doRequest(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Debug("索引器请求失败", zap.String("path", path), zap.Int("attempt", i+1), zap.Error(err))
			if i < c.cfg.MaxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
			}
			continue
		}
		// 5xx 视为暂时性错误
		if resp.StatusCode >= http.StatusInternalServerError && i < c.cfg.MaxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *EsploraClient) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// GetTipHeight 当前链高度
func (c *EsploraClient) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}
	return height, nil
}

func (c *EsploraClient) GetAddressUTXOs(ctx context.Context, address string) ([]*UTXO, error) {
	body, err := c.doGet(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, err
	}
	var utxos []*UTXO
	if err := json.Unmarshal(body, &utxos); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return utxos, nil
}

func (c *EsploraClient) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	body, err := c.doGet(ctx, "/tx/"+txid+"/status")
	if err != nil {
		return nil, err
	}
	var status TxStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

func (c *EsploraClient) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	body, err := c.doGet(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}
	var estimates FeeEstimates
	if err := json.Unmarshal(body, &estimates); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return estimates, nil
}

func confirmations(tip, height int64) uint32 {
	if height <= 0 || tip < height {
		return 0
	}
	return uint32(tip - height + 1)
}

// GetUtxos 返回确认数达到 minConfirmations 的输出。未确认的输出 Confirmations 为 0
func (c *EsploraClient) GetUtxos(ctx context.Context, address string, minConfirmations uint32) ([]minter.ObservedUtxo, error) {
	// 1. 先取链高度，再取输出，避免输出比高度新时确认数被低估成负数
	tip, err := c.GetTipHeight(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := c.GetAddressUTXOs(ctx, address)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// 2. 转换并过滤
	out := make([]minter.ObservedUtxo, 0, len(raw))
	for _, u := range raw {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %q: %w", u.TxID, err)
		}
		if u.Value < 0 {
			return nil, fmt.Errorf("negative value for %s:%d", u.TxID, u.Vout)
		}
		var conf uint32
		var height uint32
		if u.Status.Confirmed {
			conf = confirmations(tip, u.Status.BlockHeight)
			if u.Status.BlockHeight > 0 && u.Status.BlockHeight <= math.MaxUint32 {
				height = uint32(u.Status.BlockHeight)
			}
		}
		if conf < minConfirmations {
			continue
		}
		out = append(out, minter.ObservedUtxo{
			OutPoint:      minter.OutPoint{TxID: *hash, Vout: u.Vout},
			Value:         uint64(u.Value),
			Height:        height,
			Confirmations: conf,
		})
	}
	return out, nil
}

// SubmitTransaction 广播原始交易，返回索引器给出的 txid
func (c *EsploraClient) SubmitTransaction(ctx context.Context, raw []byte) (chainhash.Hash, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(hex.EncodeToString(raw)))
	if err != nil {
		return chainhash.Hash{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return chainhash.Hash{}, fmt.Errorf("broadcast failed with status %d: %s", resp.StatusCode, string(body))
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid txid in broadcast response: %w", err)
	}
	c.logger.Info("交易已广播", zap.String("txid", hash.String()))
	return *hash, nil
}

// GetConfirmations 未知或未确认的交易返回 0
func (c *EsploraClient) GetConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	status, err := c.GetTxStatus(ctx, txid.String())
	if errors.Is(err, ErrTxNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !status.Confirmed {
		return 0, nil
	}
	tip, err := c.GetTipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return confirmations(tip, status.BlockHeight), nil
}

// FeeRate 取 6 个区块目标的估算，向上取整，至少 1 sat/vB
func (c *EsploraClient) FeeRate(ctx context.Context) (uint64, error) {
	if !c.cfg.DynamicFees {
		return c.fallback, nil
	}
	estimates, err := c.GetFeeEstimates(ctx)
	if err != nil {
		c.logger.Warn("获取费率失败，使用默认费率", zap.Uint64("fallback", c.fallback), zap.Error(err))
		return c.fallback, nil
	}
	rate, ok := estimates[c.feeTarget]
	if !ok {
		// 退而求其次: 取最接近的更慢目标
		best := math.MaxInt
		for k, v := range estimates {
			n, err := strconv.Atoi(k)
			if err != nil || n < 6 || n >= best {
				continue
			}
			best, rate, ok = n, v, true
		}
	}
	if !ok {
		if c.fallback == 0 {
			return 0, ErrNoFeeEstimate
		}
		return c.fallback, nil
	}
	r := uint64(math.Ceil(rate))
	if r < 1 {
		r = 1
	}
	return r, nil
}
