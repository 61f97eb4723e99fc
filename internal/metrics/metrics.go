// Registers, per instrument:
//
//	#l2flow_gaps_total
//	#l2flow_checksum_mismatches_total
//	#l2flow_stale_messages_total
//	#l2flow_snapshots_applied_total
//	#l2flow_records_written_total
//	#l2flow_records_deduped_total
//	#l2flow_resubscribes_total
//	#l2flow_recovery_failures_total
//	#l2flow_raw_dropped_total
//	#l2flow_recovery_state
//	#l2flow_raw_buffer_length
//	#go_* and process_* system metrics
//
// Exposed through Handler, which the status server mounts on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "l2flow"

var (
	once     sync.Once
	registry *prometheus.Registry

	gaps               *prometheus.CounterVec
	checksumMismatches *prometheus.CounterVec
	staleMessages      *prometheus.CounterVec
	snapshotsApplied   *prometheus.CounterVec
	recordsWritten     *prometheus.CounterVec
	recordsDeduped     *prometheus.CounterVec
	resubscribes       *prometheus.CounterVec
	recoveryFailures   *prometheus.CounterVec
	rawDropped         *prometheus.CounterVec
	recoveryState      *prometheus.GaugeVec
	rawBufferLength    *prometheus.GaugeVec
)

func counter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"instrument"})
}

func gauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"instrument"})
}

// Init registers every collector once. Calls before Init are no-ops.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		gaps = counter("gaps_total", "Sequence gaps detected")
		checksumMismatches = counter("checksum_mismatches_total", "Advertised checksum differed from the local book")
		staleMessages = counter("stale_messages_total", "Duplicate or reordered updates dropped")
		snapshotsApplied = counter("snapshots_applied_total", "Full snapshots applied to a book")
		recordsWritten = counter("records_written_total", "Snapshot records written to the bucket sink")
		recordsDeduped = counter("records_deduped_total", "Snapshot records skipped as duplicates of the bucket")
		resubscribes = counter("resubscribes_total", "Resubscribe requests issued by recovery")
		recoveryFailures = counter("recovery_failures_total", "Instruments that exhausted recovery retries")
		rawDropped = counter("raw_dropped_total", "Raw frames dropped because the instrument buffer was full")
		recoveryState = gauge("recovery_state", "Recovery state: 0 awaiting snapshot, 1 valid, 2 gap detected, 3 failed")
		rawBufferLength = gauge("raw_buffer_length", "Frames waiting in the instrument raw buffer")

		registry.MustRegister(
			gaps, checksumMismatches, staleMessages, snapshotsApplied,
			recordsWritten, recordsDeduped, resubscribes, recoveryFailures,
			rawDropped, recoveryState, rawBufferLength,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func inc(c *prometheus.CounterVec, instrument string) {
	if c != nil {
		c.WithLabelValues(instrument).Inc()
	}
}

func IncGap(instrument string)              { inc(gaps, instrument) }
func IncChecksumMismatch(instrument string) { inc(checksumMismatches, instrument) }
func IncStale(instrument string)            { inc(staleMessages, instrument) }
func IncSnapshotApplied(instrument string)  { inc(snapshotsApplied, instrument) }
func IncRecordWritten(instrument string)    { inc(recordsWritten, instrument) }
func IncRecordDeduped(instrument string)    { inc(recordsDeduped, instrument) }
func IncResubscribe(instrument string)      { inc(resubscribes, instrument) }
func IncRecoveryFailure(instrument string)  { inc(recoveryFailures, instrument) }
func IncRawDropped(instrument string)       { inc(rawDropped, instrument) }

// SetRecoveryState publishes the numeric recovery state of instrument.
func SetRecoveryState(instrument string, state int) {
	if recoveryState != nil {
		recoveryState.WithLabelValues(instrument).Set(float64(state))
	}
}

// SetRawBufferLength publishes the raw buffer occupancy of instrument.
func SetRawBufferLength(instrument string, length int) {
	if rawBufferLength != nil {
		rawBufferLength.WithLabelValues(instrument).Set(float64(length))
	}
}
