package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warns    sync.Map // component -> *int64
	errs     sync.Map // component -> *int64
	channels sync.Map // name -> *channelStat

	updatesApplied     int64
	staleDropped       int64
	gapsDetected       int64
	checksumMismatches int64
	snapshotsApplied   int64
	recoveryFailures   int64
	rawDropped         int64
	recordsWritten     int64
	recordsDeduped     int64
)

// Counters is a point-in-time copy of the book pipeline counters.
type Counters struct {
	UpdatesApplied     int64 `json:"updates_applied"`
	StaleDropped       int64 `json:"stale_dropped"`
	GapsDetected       int64 `json:"gaps_detected"`
	ChecksumMismatches int64 `json:"checksum_mismatches"`
	SnapshotsApplied   int64 `json:"snapshots_applied"`
	RecoveryFailures   int64 `json:"recovery_failures"`
	RawDropped         int64 `json:"raw_dropped"`
	RecordsWritten     int64 `json:"records_written"`
	RecordsDeduped     int64 `json:"records_deduped"`
}

func bump(m *sync.Map, key string) {
	if key == "" {
		return
	}
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warns, component) }
func recordError(component string) { bump(&errs, component) }

func IncrementUpdateApplied()     { atomic.AddInt64(&updatesApplied, 1) }
func IncrementStale()             { atomic.AddInt64(&staleDropped, 1) }
func IncrementGap()               { atomic.AddInt64(&gapsDetected, 1) }
func IncrementChecksumMismatch()  { atomic.AddInt64(&checksumMismatches, 1) }
func IncrementSnapshotApplied()   { atomic.AddInt64(&snapshotsApplied, 1) }
func IncrementRecoveryFailure()   { atomic.AddInt64(&recoveryFailures, 1) }
func IncrementRawDropped()        { atomic.AddInt64(&rawDropped, 1) }
func IncrementRecordDeduped()     { atomic.AddInt64(&recordsDeduped, 1) }
func IncrementRecordWritten(n int) {
	atomic.AddInt64(&recordsWritten, 1)
	recordChannel("snapshot_records", n)
}

// RecordChannelMessage accounts one message of size bytes on a named flow.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Snapshot returns the current counter values.
func Snapshot() Counters {
	return Counters{
		UpdatesApplied:     atomic.LoadInt64(&updatesApplied),
		StaleDropped:       atomic.LoadInt64(&staleDropped),
		GapsDetected:       atomic.LoadInt64(&gapsDetected),
		ChecksumMismatches: atomic.LoadInt64(&checksumMismatches),
		SnapshotsApplied:   atomic.LoadInt64(&snapshotsApplied),
		RecoveryFailures:   atomic.LoadInt64(&recoveryFailures),
		RawDropped:         atomic.LoadInt64(&rawDropped),
		RecordsWritten:     atomic.LoadInt64(&recordsWritten),
		RecordsDeduped:     atomic.LoadInt64(&recordsDeduped),
	}
}

func loadAll(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport logs host and pipeline statistics every interval and mirrors
// them to CloudWatch until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		cpuPct = p[0]
	}
	var memMB, diskMB float64
	if m, err := mem.VirtualMemory(); err == nil {
		memMB = float64(m.Used) / 1024 / 1024
	}
	if d, err := disk.Usage("/"); err == nil {
		diskMB = float64(d.Used) / 1024 / 1024
	}
	var sent, recv uint64
	if n, err := gnet.IOCounters(false); err == nil && len(n) > 0 {
		sent, recv = n[0].BytesSent, n[0].BytesRecv
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	c := Snapshot()
	log.WithComponent("report").WithFields(Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"disk_mb":        int64(diskMB),
		"net_bytes_sent": sent,
		"net_bytes_recv": recv,
		"warns":          loadAll(&warns),
		"errors":         loadAll(&errs),
		"channels":       channelData,
		"counters":       c,
	}).Info("runtime report")

	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	data := []cwtypes.MetricDatum{
		datum("CPUPercent", cwtypes.StandardUnitPercent, cpuPct),
		datum("MemoryMB", cwtypes.StandardUnitMegabytes, memMB),
		datum("DiskMB", cwtypes.StandardUnitMegabytes, diskMB),
		datum("NetBytesSent", cwtypes.StandardUnitBytes, float64(sent)),
		datum("NetBytesRecv", cwtypes.StandardUnitBytes, float64(recv)),
		datum("UpdatesApplied", cwtypes.StandardUnitCount, float64(c.UpdatesApplied)),
		datum("StaleDropped", cwtypes.StandardUnitCount, float64(c.StaleDropped)),
		datum("GapsDetected", cwtypes.StandardUnitCount, float64(c.GapsDetected)),
		datum("ChecksumMismatches", cwtypes.StandardUnitCount, float64(c.ChecksumMismatches)),
		datum("SnapshotsApplied", cwtypes.StandardUnitCount, float64(c.SnapshotsApplied)),
		datum("RecoveryFailures", cwtypes.StandardUnitCount, float64(c.RecoveryFailures)),
		datum("RawDropped", cwtypes.StandardUnitCount, float64(c.RawDropped)),
		datum("RecordsWritten", cwtypes.StandardUnitCount, float64(c.RecordsWritten)),
	}
	for name, stats := range channelData {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}
	publishMetrics(ctx, data)
}
