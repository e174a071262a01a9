// Package metrics 提供 jv-audit 的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jv_audit"

// 审计周期指标
var (
	// CyclesTotal 审计周期总数
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "审计周期总数",
		},
		[]string{"state"}, // SKIPPED, NOOP, DRY_RUN, CONFIRMED, FAILED, TIMED_OUT, ABORTED
	)

	// CycleDuration 审计周期耗时
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "审计周期耗时(秒)",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// BatchEntries 批次条目数
	BatchEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_entries",
			Help:      "最近一次批次的记录条数",
		},
	)

	// LastTargetDate 最近一次审计的业务日期 (YYYYMMDD)
	LastTargetDate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_target_date",
			Help:      "最近一次审计的业务日期",
		},
	)
)

// 网络观测指标
var (
	// NodeProbesTotal 节点探测次数
	NodeProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_probes_total",
			Help:      "节点探测次数",
		},
		[]string{"role", "result"}, // result: alive, dead
	)

	// ChainHeadGauge 链最新高度
	ChainHeadGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head",
			Help:      "链最新区块高度",
		},
	)

	// ChainLagSeconds 最新区块距今秒数
	ChainLagSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_lag_seconds",
			Help:      "最新区块时间距当前时间(秒)",
		},
	)

	// CheckinsTotal check-in 解析结果
	CheckinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_total",
			Help:      "check-in 解析结果",
		},
		[]string{"outcome"}, // checked_in, not_checked_in, connectivity, decode, not_found
	)
)

// 链上交互指标
var (
	// DedupDecisionsTotal 去重判定
	DedupDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_decisions_total",
			Help:      "去重判定次数",
		},
		[]string{"source", "recorded"}, // source: events, sample, forced
	)

	// TxGasUsed 最近一笔交易 gas 消耗
	TxGasUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_gas_used",
			Help:      "最近一笔 recordBatch 交易的 gas 消耗",
		},
	)

	// TxConfirmDuration 交易确认耗时
	TxConfirmDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_confirm_duration_seconds",
			Help:      "交易确认耗时(秒)",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// RPCErrorsTotal RPC 错误
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "RPC 错误次数",
		},
		[]string{"method"},
	)

	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic"},
	)

	// JobExecutionsTotal 定时任务执行次数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "定时任务执行次数",
		},
		[]string{"job", "status"},
	)
)

// Helper functions

// RecordCycle 记录审计周期
func RecordCycle(state string, durationSeconds float64, entries int) {
	CyclesTotal.WithLabelValues(state).Inc()
	if durationSeconds > 0 {
		CycleDuration.Observe(durationSeconds)
	}
	BatchEntries.Set(float64(entries))
}

// RecordProbe 记录节点探测结果
func RecordProbe(role string, alive bool) {
	result := "dead"
	if alive {
		result = "alive"
	}
	NodeProbesTotal.WithLabelValues(role, result).Inc()
}

// RecordChainHead 记录链头
func RecordChainHead(height uint64, lagSeconds float64) {
	ChainHeadGauge.Set(float64(height))
	ChainLagSeconds.Set(lagSeconds)
}

// RecordCheckin 记录 check-in 结果
func RecordCheckin(outcome string) {
	CheckinsTotal.WithLabelValues(outcome).Inc()
}

// RecordDedup 记录去重判定
func RecordDedup(source string, recorded bool) {
	v := "false"
	if recorded {
		v = "true"
	}
	DedupDecisionsTotal.WithLabelValues(source, v).Inc()
}

// RecordTx 记录交易确认
func RecordTx(gasUsed uint64, confirmSeconds float64) {
	TxGasUsed.Set(float64(gasUsed))
	if confirmSeconds > 0 {
		TxConfirmDuration.Observe(confirmSeconds)
	}
}

// RecordRPCError 记录 RPC 错误
func RecordRPCError(method string) {
	RPCErrorsTotal.WithLabelValues(method).Inc()
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string) {
	KafkaMessagesProduced.WithLabelValues(topic).Inc()
}

// RecordJob 记录定时任务执行
func RecordJob(job, status string) {
	JobExecutionsTotal.WithLabelValues(job, status).Inc()
}

// SetTargetDate 记录最近的业务日期
func SetTargetDate(date uint32) {
	LastTargetDate.Set(float64(date))
}
