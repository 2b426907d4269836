package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// InstructionsCreated counts settlement instructions created, by venue type.
var InstructionsCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custodia_instructions_created_total",
		Help: "Total number of settlement instructions created",
	},
	[]string{"settlement_type"},
)

// AffirmationsProcessed counts affirmations, withdrawals and rejections.
var AffirmationsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custodia_affirmations_processed_total",
		Help: "Total number of affirmation actions processed",
	},
	[]string{"action"},
)

// InstructionsExecuted counts execution attempts by result (success/failed).
var InstructionsExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custodia_instructions_executed_total",
		Help: "Total number of instruction execution attempts",
	},
	[]string{"result"},
)

// ExecutionLatency records latency distribution for instruction execution.
var ExecutionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "custodia_instruction_execution_latency_seconds",
		Help:    "Latency in seconds to execute settlement instructions",
		Buckets: prometheus.DefBuckets,
	},
)

// ScheduledTasks tracks the number of tasks waiting in the scheduler.
var ScheduledTasks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "custodia_scheduled_tasks",
		Help: "Number of named calls currently waiting in the scheduler",
	},
)

// ReceiptsClaimed counts receipts claimed and unclaimed.
var ReceiptsClaimed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custodia_receipts_total",
		Help: "Total number of receipt claim state changes",
	},
	[]string{"action"},
)

func init() {
	prometheus.MustRegister(InstructionsCreated, AffirmationsProcessed, InstructionsExecuted)
	prometheus.MustRegister(ExecutionLatency, ScheduledTasks, ReceiptsClaimed)
}
