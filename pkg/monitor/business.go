package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义业务监控指标
type BusinessMetrics struct {
	DepositOutcomeTotal   *prometheus.CounterVec
	MintedSatsTotal       prometheus.Counter
	WithdrawalStatusTotal *prometheus.CounterVec
	WithdrawnSatsTotal    prometheus.Counter
	ReconcileDuration     prometheus.Histogram
	CustodyUtxos          *prometheus.GaugeVec
	CustodyBalanceBTC     prometheus.Gauge
	SubmittedQueueLength  prometheus.Gauge
}

// Business 全局指标实例，Init 之前为 nil
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = NewBusinessMetrics(prometheus.DefaultRegisterer)
}

// NewBusinessMetrics 注册到指定 Registerer，测试里传独立的 Registry
func NewBusinessMetrics(reg prometheus.Registerer) *BusinessMetrics {
	f := promauto.With(reg)
	return &BusinessMetrics{
		DepositOutcomeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minter_deposit_outcome_total",
			Help: "Per-utxo outcomes of update_balance",
		}, []string{"status"}),
		MintedSatsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "minter_minted_sats_total",
			Help: "Total satoshis minted to ledger accounts",
		}),
		WithdrawalStatusTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minter_withdrawal_status_total",
			Help: "Withdrawal status transitions",
		}, []string{"status"}),
		WithdrawnSatsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "minter_withdrawn_sats_total",
			Help: "Total satoshis paid to withdrawal destinations",
		}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "minter_reconcile_duration_seconds",
			Help:    "Duration of reconciliation sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		CustodyUtxos: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minter_custody_utxos",
			Help: "Credited utxos by state",
		}, []string{"state"}),
		CustodyBalanceBTC: f.NewGauge(prometheus.GaugeOpts{
			Name: "minter_custody_balance_btc",
			Help: "Free custody balance in BTC",
		}),
		SubmittedQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "minter_submitted_withdrawals",
			Help: "Withdrawals waiting for confirmation",
		}),
	}
}
