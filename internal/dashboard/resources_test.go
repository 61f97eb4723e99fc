package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"l2flow/logger"
)

type fakeBuffers map[string][2]int

func (f fakeBuffers) Instruments() []string {
	out := make([]string, 0, len(f))
	for inst := range f {
		out = append(out, inst)
	}
	return out
}

func (f fakeBuffers) RawLen(inst string) (int, int) {
	v := f[inst]
	return v[0], v[1]
}

// stubHost replaces the host collectors for the duration of the test.
func stubHost(t *testing.T, diskPct float64) *atomic.Int32 {
	t.Helper()
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
	})

	cpuCalls := &atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		cpuCalls.Add(1)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("disk usage asked for missing path %q", path)
		}
		return &disk.UsageStat{Free: 4096, Total: 8192, UsedPercent: diskPct}, nil
	}
	return cpuCalls
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	cpuCalls := stubHost(t, 50)
	sampler := newResourceSampler(3, time.Millisecond*10, t.TempDir(), nil, logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler.start(ctx)

	deadline := time.Now().Add(250 * time.Millisecond)
	for {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		if len(sampler.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) == 0 || len(snapshots) > 3 {
		t.Fatalf("snapshots = %d, want 1..3", len(snapshots))
	}

	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 || latest.DiskLow {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if cpuCalls.Load() == 0 {
		t.Fatal("expected cpu sampler to be invoked")
	}
}

func TestResourceSamplerReportsInstrumentUsage(t *testing.T) {
	stubHost(t, 50)
	base := t.TempDir()
	day := filepath.Join(base, "okx", "BTC-USDT-SWAP", "2024-03-01")
	writeFile(t, filepath.Join(day, "12.jsonl"), 100)
	writeFile(t, filepath.Join(day, "1215-s1.jsonl"), 50)
	writeFile(t, filepath.Join(day, "11.jsonl.gz"), 30)
	writeFile(t, filepath.Join(base, "okx", "ETH-USDT-SWAP", "2024-03-01", "12.parquet"), 70)
	writeFile(t, filepath.Join(base, "okx", "ETH-USDT-SWAP", "2024-03-01", "notes.txt"), 999)

	buffers := fakeBuffers{
		"BTC-USDT-SWAP": {25, 100},
		"SOL-USDT-SWAP": {0, 100},
	}
	sampler := newResourceSampler(3, time.Millisecond, base, buffers, logger.Logger())

	snap, err := sampler.sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(snap.Instruments) != 3 {
		t.Fatalf("instruments = %#v, want 3 entries", snap.Instruments)
	}

	btc := snap.Instruments[0]
	if btc.InstrumentID != "BTC-USDT-SWAP" || btc.RawBuffered != 25 || btc.RawCapacity != 100 || btc.RawFillPct != 25 {
		t.Fatalf("btc raw usage = %#v", btc)
	}
	if btc.BucketFiles != 2 || btc.BucketBytes != 150 || btc.ArchivedFiles != 1 || btc.ArchivedBytes != 30 {
		t.Fatalf("btc disk usage = %#v", btc)
	}

	eth := snap.Instruments[1]
	if eth.InstrumentID != "ETH-USDT-SWAP" || eth.BucketFiles != 1 || eth.BucketBytes != 70 || eth.RawCapacity != 0 {
		t.Fatalf("eth usage = %#v", eth)
	}

	sol := snap.Instruments[2]
	if sol.InstrumentID != "SOL-USDT-SWAP" || sol.BucketFiles != 0 || sol.RawFillPct != 0 {
		t.Fatalf("sol usage = %#v", sol)
	}
}

func TestResourceSamplerMissingSnapshotDir(t *testing.T) {
	stubHost(t, 50)
	base := filepath.Join(t.TempDir(), "not", "yet")
	sampler := newResourceSampler(3, time.Millisecond, base, nil, logger.Logger())

	snap, err := sampler.sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if snap.SnapshotDir != base || len(snap.Instruments) != 0 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestResourceSamplerFlagsLowDisk(t *testing.T) {
	stubHost(t, 95)
	sampler := newResourceSampler(3, time.Millisecond, t.TempDir(), nil, logger.Logger())

	snap, err := sampler.sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if !snap.DiskLow || snap.DiskFree != 4096 {
		t.Fatalf("expected low disk, got %#v", snap)
	}
	sampler.append(snap)

	srv := newTestServer(t, &fakeBooks{})
	srv.resourceSampler = sampler
	res := get(t, srv, "/healthz")
	if res.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", res.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["disk_low"] != true {
		t.Fatalf("healthz body = %v, want disk_low true", body)
	}
}
