package dashboard

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"l2flow/internal/metrics"
	"l2flow/logger"
)

// diskLowPercent marks the snapshot volume as nearly full.
const diskLowPercent = 90.0

// instrumentUsage is what one instrument costs the service: how full its raw
// frame buffer is and how much its bucket files take on disk.
type instrumentUsage struct {
	InstrumentID  string  `json:"instrument_id"`
	RawBuffered   int     `json:"raw_buffered"`
	RawCapacity   int     `json:"raw_capacity"`
	RawFillPct    float64 `json:"raw_fill_percent"`
	BucketFiles   int     `json:"bucket_files"`
	BucketBytes   int64   `json:"bucket_bytes"`
	ArchivedFiles int     `json:"archived_files"`
	ArchivedBytes int64   `json:"archived_bytes"`
}

// resourceSnapshot is one sample of the book service's footprint. Disk
// figures are those of the volume holding the snapshot directory.
type resourceSnapshot struct {
	Timestamp   time.Time         `json:"timestamp"`
	CPUPercent  float64           `json:"cpu_percent"`
	MemoryPct   float64           `json:"memory_percent"`
	SnapshotDir string            `json:"snapshot_dir"`
	DiskFree    uint64            `json:"disk_free"`
	DiskPct     float64           `json:"disk_percent"`
	DiskLow     bool              `json:"disk_low"`
	Instruments []instrumentUsage `json:"instruments"`
}

// resourceSampler keeps a ring of footprint samples for /api/resources.
type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSnapshot
	limit    int
	interval time.Duration
	baseDir  string
	exchange string
	buffers  metrics.RawBuffers

	diskLow bool
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newResourceSampler(limit int, interval time.Duration, baseDir string, buffers metrics.RawBuffers, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if baseDir == "" {
		baseDir = "."
	}
	return &resourceSampler{
		limit:    limit,
		interval: interval,
		baseDir:  baseDir,
		exchange: "okx",
		buffers:  buffers,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	if s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

// latest is the newest sample, false before the first one.
func (s *resourceSampler) latest() (resourceSnapshot, bool) {
	if s == nil {
		return resourceSnapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return resourceSnapshot{}, false
	}
	return s.items[len(s.items)-1], true
}

func (s *resourceSampler) append(snapshot resourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, snapshot)
	if len(s.items) > s.limit {
		s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
	}
}

// run samples until ctx ends. The CPU reading spans one interval, so it
// also paces the loop.
func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		snap, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample resources")
			s.pause(ctx)
			continue
		}
		s.append(snap)
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	snap := resourceSnapshot{
		Timestamp:   time.Now().UTC(),
		CPUPercent:  firstSample(cpuSamples),
		MemoryPct:   memStats.UsedPercent,
		SnapshotDir: s.baseDir,
		Instruments: s.instrumentUsage(),
	}

	// the snapshot directory may not exist before the first bucket opens
	diskStats, err := diskUsageFn(ctx, existingParent(s.baseDir))
	if err != nil {
		return resourceSnapshot{}, err
	}
	snap.DiskFree = diskStats.Free
	snap.DiskPct = diskStats.UsedPercent
	snap.DiskLow = diskStats.UsedPercent >= diskLowPercent
	s.noteDisk(snap)
	return snap, nil
}

// noteDisk logs when the snapshot volume crosses the low-space mark.
func (s *resourceSampler) noteDisk(snap resourceSnapshot) {
	if snap.DiskLow == s.diskLow {
		return
	}
	s.diskLow = snap.DiskLow
	log := s.log.WithComponent("resource_sampler").WithFields(logger.Fields{
		"snapshot_dir": snap.SnapshotDir,
		"disk_percent": snap.DiskPct,
		"disk_free":    snap.DiskFree,
	})
	if snap.DiskLow {
		log.Warn("snapshot volume nearly full")
		return
	}
	log.Info("snapshot volume back below the low-space mark")
}

// instrumentUsage reports every instrument with a raw buffer or a bucket
// directory, sorted by id.
func (s *resourceSampler) instrumentUsage() []instrumentUsage {
	byInst := make(map[string]*instrumentUsage)
	get := func(inst string) *instrumentUsage {
		u, ok := byInst[inst]
		if !ok {
			u = &instrumentUsage{InstrumentID: inst}
			byInst[inst] = u
		}
		return u
	}

	if s.buffers != nil {
		for _, inst := range s.buffers.Instruments() {
			u := get(inst)
			u.RawBuffered, u.RawCapacity = s.buffers.RawLen(inst)
			if u.RawCapacity > 0 {
				u.RawFillPct = float64(u.RawBuffered) * 100 / float64(u.RawCapacity)
			}
		}
	}

	root := filepath.Join(s.baseDir, s.exchange)
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				addBucketUsage(filepath.Join(root, e.Name()), get(e.Name()))
			}
		}
	}

	out := make([]instrumentUsage, 0, len(byInst))
	for _, u := range byInst {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// addBucketUsage splits an instrument's files into live buckets (.jsonl,
// .parquet) and compressed archives (.jsonl.gz).
func addBucketUsage(dir string, u *instrumentUsage) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".jsonl.gz"):
			u.ArchivedFiles++
			u.ArchivedBytes += info.Size()
		case strings.HasSuffix(path, ".jsonl"), strings.HasSuffix(path, ".parquet"):
			u.BucketFiles++
			u.BucketBytes += info.Size()
		}
		return nil
	})
}

func existingParent(path string) string {
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		if parent := filepath.Dir(p); parent == p {
			return p
		}
	}
}

// pause waits one interval after a failed sample.
func (s *resourceSampler) pause(ctx context.Context) {
	t := time.NewTimer(s.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
