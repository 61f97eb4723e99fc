// Package retention compresses closed hourly snapshot files and removes
// archives past their retention window.
package retention

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"l2flow/config"
	"l2flow/logger"
)

const (
	extJSONL   = ".jsonl"
	extGzip    = ".jsonl.gz"
	extParquet = ".parquet"
)

// Result counts what one pass did.
type Result struct {
	Compressed int
	Deleted    int
	Skipped    int
	Failed     int
}

// Janitor walks the local snapshot tree. Exclude, when set, lists the files
// a writer still has open; those are never touched.
type Janitor struct {
	baseDir           string
	uncompressedAfter time.Duration
	retainFor         time.Duration
	interval          time.Duration
	exclude           func() []string
	now               func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func NewJanitor(cfg *config.Config, exclude func() []string) *Janitor {
	return &Janitor{
		baseDir:           cfg.Storage.Local.BaseDir,
		uncompressedAfter: time.Duration(cfg.Retention.UncompressedHours) * time.Hour,
		retainFor:         time.Duration(cfg.Retention.RetentionDays) * 24 * time.Hour,
		interval:          cfg.Retention.Interval,
		exclude:           exclude,
		now:               time.Now,
		wg:                &sync.WaitGroup{},
		log:               logger.GetLogger(),
	}
}

// Start runs a pass immediately and then every retention.interval.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("retention janitor already running")
	}
	if j.interval <= 0 {
		return fmt.Errorf("retention interval must be greater than 0")
	}
	j.running = true
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop()
	return nil
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()

	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) loop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.RunOnce(j.ctx); err != nil && j.ctx.Err() == nil {
			j.log.WithComponent("retention").WithError(err).Warn("retention pass failed")
		}
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce compresses .jsonl files last modified before the uncompressed
// window and deletes .jsonl.gz and .parquet files older than the retention
// window. Per-file failures are counted and logged, not returned.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	log := j.log.WithComponent("retention")

	if _, err := os.Stat(j.baseDir); err != nil {
		if os.IsNotExist(err) {
			log.WithFields(logger.Fields{"dir": j.baseDir}).Warn("snapshot directory not found")
			return res, nil
		}
		return res, err
	}

	open := make(map[string]struct{})
	if j.exclude != nil {
		for _, p := range j.exclude() {
			open[filepath.Clean(p)] = struct{}{}
		}
	}

	now := j.now()
	compressBefore := now.Add(-j.uncompressedAfter)
	deleteBefore := now.Add(-j.retainFor)

	err := filepath.WalkDir(j.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, busy := open[filepath.Clean(path)]; busy {
			res.Skipped++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			res.Failed++
			return nil
		}
		fields := logger.Fields{"path": path, "mod_time": info.ModTime().UTC()}

		switch {
		case strings.HasSuffix(path, extGzip), strings.HasSuffix(path, extParquet):
			if !info.ModTime().Before(deleteBefore) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				res.Failed++
				log.WithError(err).WithFields(fields).Error("failed to delete expired file")
				return nil
			}
			res.Deleted++
			log.WithFields(fields).Info("deleted expired file")

		case strings.HasSuffix(path, extJSONL):
			if !info.ModTime().Before(compressBefore) {
				return nil
			}
			gz := path + ".gz"
			if _, err := os.Stat(gz); err == nil {
				res.Skipped++
				return nil
			}
			if err := compressFile(path, gz); err != nil {
				res.Failed++
				log.WithError(err).WithFields(fields).Error("failed to compress file")
				return nil
			}
			res.Compressed++
			log.WithFields(fields).Info("compressed file")
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	log.WithFields(logger.Fields{
		"compressed": res.Compressed,
		"deleted":    res.Deleted,
		"skipped":    res.Skipped,
		"failed":     res.Failed,
	}).Info("retention pass complete")
	return res, nil
}

// compressFile writes src to dst through a temp file and removes src only
// after dst is complete.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	in.Close()
	return os.Remove(src)
}
