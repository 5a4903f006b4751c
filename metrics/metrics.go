// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	txSubmitted       = metrics.NewCounter("engine_tx_submitted_total")
	txFailed          = metrics.NewCounter("engine_tx_failed_total")
	txProtected       = metrics.NewCounter("engine_tx_mev_protected_total")
	batchesExecuted   = metrics.NewCounter("engine_batches_executed_total")
	batchTxDropped    = metrics.NewCounter("engine_batch_tx_dropped_total")
	gasRetries        = metrics.NewCounter("engine_gas_retries_total")
	executeDurationMs = metrics.NewSummary("engine_execute_duration_milliseconds")
	batchDurationMs   = metrics.NewSummary("engine_batch_duration_milliseconds")
)

func IncTxSubmitted()   { txSubmitted.Inc() }
func IncTxFailed()      { txFailed.Inc() }
func IncTxProtected()   { txProtected.Inc() }
func IncBatchExecuted() { batchesExecuted.Inc() }

func AddBatchTxDropped(n int) { batchTxDropped.Add(n) }
func IncGasRetries()          { gasRetries.Inc() }

func RecordExecuteDuration(ms int64) { executeDurationMs.Update(float64(ms)) }
func RecordBatchDuration(ms int64)   { batchDurationMs.Update(float64(ms)) }

func IncProviderCall(vendor, chain string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`engine_provider_calls_total{vendor=%q,chain=%q}`, vendor, chain)).Inc()
}

func IncProviderFailure(vendor, chain string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`engine_provider_failures_total{vendor=%q,chain=%q}`, vendor, chain)).Inc()
}

func IncProviderFailing(vendor, chain string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`engine_provider_failing_total{vendor=%q,chain=%q}`, vendor, chain)).Inc()
}

func RecordProviderLatency(vendor, chain string, ms int64) {
	metrics.GetOrCreateSummary(
		fmt.Sprintf(`engine_provider_call_duration_milliseconds{vendor=%q,chain=%q}`, vendor, chain)).Update(float64(ms))
}

func AddConnectionsReaped(vendor, chain string, n int) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`engine_connections_reaped_total{vendor=%q,chain=%q}`, vendor, chain)).Add(n)
}
