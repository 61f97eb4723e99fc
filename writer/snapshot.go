package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"l2flow/config"
	"l2flow/internal/book"
	"l2flow/internal/metadata"
	"l2flow/internal/metrics"
	"l2flow/logger"
	"l2flow/models"
)

// ErrClosedBucket rejects a record whose bucket has already been sealed.
var ErrClosedBucket = errors.New("bucket already closed")

// EventTimeLayout is the dedup key and the event_time field: RFC3339 UTC with
// microseconds.
const EventTimeLayout = "2006-01-02T15:04:05.000000Z"

// BookSource yields the books to sample.
type BookSource interface {
	Books() map[string]*book.Book
}

// MetadataLookup resolves contract metadata for notional fields.
type MetadataLookup interface {
	Lookup(ctx context.Context, instID string) (metadata.Info, error)
}

// RecordPublisher receives every record after it was written to its bucket.
type RecordPublisher interface {
	Publish(rec models.SnapshotRecord) bool
}

// SealHandler is told about every bucket file once it is sealed.
type SealHandler interface {
	HandleSealed(SealedBucket)
}

// SealHandlerFunc adapts a function to SealHandler.
type SealHandlerFunc func(SealedBucket)

func (f SealHandlerFunc) HandleSealed(b SealedBucket) { f(b) }

type WriterStats struct {
	Samples        int64
	Written        int64
	Deduped        int64
	SkippedInvalid int64
	Rejected       int64
	Sealed         int64
	Errors         int64
}

// metadataRetry is how long an unavailable lookup result is used before the
// writer asks again.
const metadataRetry = time.Minute

type metaEntry struct {
	info    metadata.Info
	at      time.Time
	pending bool
}

// bucketState is the open bucket of one instrument with the event-time keys
// already written to it.
type bucketState struct {
	key     BucketKey
	sink    BucketSink
	seen    map[string]struct{}
	records int64
}

// SnapshotWriter samples every book on a fixed wall-clock cadence and appends
// one record per new event time to the instrument's current bucket.
type SnapshotWriter struct {
	config     *config.Config
	source     BookSource
	meta       MetadataLookup
	newSink    SinkFactory
	publishers []RecordPublisher
	sealers    []SealHandler
	session    string
	now        func() time.Time

	bucketMu sync.Mutex
	buckets  map[string]*bucketState

	metaMu sync.Mutex
	infos  map[string]*metaEntry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	samples, written, deduped, skipped, rejected, sealed, errs int64
}

// NewSnapshotWriter builds a writer over source. A nil sinks factory selects
// the one writer.format names, rooted at storage.local.base_dir.
func NewSnapshotWriter(cfg *config.Config, source BookSource, sinks SinkFactory, meta MetadataLookup) (*SnapshotWriter, error) {
	w := &SnapshotWriter{
		config:  cfg,
		source:  source,
		meta:    meta,
		newSink: sinks,
		session: uuid.NewString(),
		now:     time.Now,
		buckets: make(map[string]*bucketState),
		infos:   make(map[string]*metaEntry),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
	if w.newSink == nil {
		f, err := NewSinkFactory(cfg.Writer.Format, cfg.Storage.Local.BaseDir, w.session)
		if err != nil {
			return nil, err
		}
		w.newSink = f
	}
	return w, nil
}

// Session identifies this writer run in archived object metadata.
func (w *SnapshotWriter) Session() string { return w.session }

// AddPublisher and AddSealHandler must be called before Start.
func (w *SnapshotWriter) AddPublisher(p RecordPublisher) { w.publishers = append(w.publishers, p) }

func (w *SnapshotWriter) AddSealHandler(h SealHandler) { w.sealers = append(w.sealers, h) }

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("snapshot writer already running")
	}
	if w.config.Writer.Cadence <= 0 {
		return fmt.Errorf("snapshot writer: cadence must be positive")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.sampleWorker()
	for inst := range w.source.Books() {
		w.metadataFor(w.ctx, inst)
	}

	w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"cadence":  w.config.Writer.Cadence,
		"depth":    w.config.Writer.Depth,
		"rotation": w.config.Writer.Rotation,
		"format":   w.config.Writer.Format,
		"session":  w.session,
	}).Info("snapshot writer started")
	return nil
}

// Stop ends sampling and seals every open bucket.
func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.SealAll()
	w.log.WithComponent("snapshot_writer").Info("snapshot writer stopped")
}

// sampleWorker fires on cadence boundaries of the wall clock.
func (w *SnapshotWriter) sampleWorker() {
	defer w.wg.Done()
	interval := w.config.Writer.Cadence
	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"worker": "sampler"})

	now := time.Now()
	timer := time.NewTimer(now.Truncate(interval).Add(interval).Sub(now))
	defer timer.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			w.Sample(w.ctx)
			if d := time.Since(start); d > interval {
				log.WithFields(logger.Fields{"duration": d.Milliseconds(), "interval": interval.Milliseconds()}).Warn("sampling took longer than cadence")
			}
			timer.Reset(time.Until(time.Now().Truncate(interval).Add(interval)))
		}
	}
}

// Sample takes one view of every book and writes the records that are new.
func (w *SnapshotWriter) Sample(ctx context.Context) {
	atomic.AddInt64(&w.samples, 1)
	books := w.source.Books()
	insts := make([]string, 0, len(books))
	for inst := range books {
		insts = append(insts, inst)
	}
	sort.Strings(insts)

	for _, inst := range insts {
		w.sampleBook(ctx, books[inst])
	}
}

func (w *SnapshotWriter) sampleBook(ctx context.Context, b *book.Book) {
	inst := b.InstrumentID()
	log := w.log.WithInstrument("snapshot_writer", inst)

	v := b.SnapshotView(w.config.Writer.Depth)
	if !v.Valid || v.LastSeq == nil || v.EventTime.IsZero() {
		atomic.AddInt64(&w.skipped, 1)
		log.Debug("book not valid, skipping sample")
		return
	}

	rec := BuildRecord(v, w.metadataFor(ctx, inst), w.config.Writer.NotionalTopK)

	written, err := w.Write(rec, v.EventTime)
	switch {
	case errors.Is(err, ErrClosedBucket):
		atomic.AddInt64(&w.rejected, 1)
		log.WithFields(logger.Fields{"event_time": rec.EventTime}).Warn("record belongs to a closed bucket, dropping")
	case err != nil:
		atomic.AddInt64(&w.errs, 1)
		log.WithError(err).Error("failed to write snapshot record")
	case !written:
		atomic.AddInt64(&w.deduped, 1)
		logger.IncrementRecordDeduped()
		metrics.IncRecordDeduped(inst)
	default:
		b.AckGap(&v)
		atomic.AddInt64(&w.written, 1)
		logger.IncrementRecordWritten(1)
		metrics.IncRecordWritten(inst)
		for _, p := range w.publishers {
			p.Publish(rec)
		}
	}
}

// WarmMetadata looks up every book's metadata and waits for the answers.
func (w *SnapshotWriter) WarmMetadata(ctx context.Context) {
	if w.meta == nil {
		return
	}
	for inst := range w.source.Books() {
		w.resolveMetadata(ctx, inst)
	}
}

// metadataFor never blocks on the registry. It returns the cached result and
// starts a lookup in the background when there is none yet, or when the
// cached one is unavailable and older than metadataRetry.
func (w *SnapshotWriter) metadataFor(ctx context.Context, inst string) metadata.Info {
	if w.meta == nil {
		return metadata.Info{InstrumentID: inst}
	}
	w.metaMu.Lock()
	defer w.metaMu.Unlock()
	e, ok := w.infos[inst]
	if !ok {
		e = &metaEntry{info: metadata.Info{InstrumentID: inst}}
		w.infos[inst] = e
	}
	expired := e.at.IsZero() || (!e.info.Available && w.now().Sub(e.at) >= metadataRetry)
	if expired && !e.pending {
		e.pending = true
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.resolveMetadata(ctx, inst)
		}()
	}
	return e.info
}

func (w *SnapshotWriter) resolveMetadata(ctx context.Context, inst string) {
	info, err := w.meta.Lookup(ctx, inst)
	if err != nil {
		info = metadata.Info{InstrumentID: inst}
		w.log.WithInstrument("snapshot_writer", inst).WithError(err).Debug("metadata unavailable, notional fields stay null")
	}
	w.metaMu.Lock()
	defer w.metaMu.Unlock()
	e, ok := w.infos[inst]
	if !ok {
		e = &metaEntry{}
		w.infos[inst] = e
	}
	e.info = info
	e.at = w.now()
	e.pending = false
}

// Write appends rec to the bucket of eventTime. It reports false without
// error when the event-time key was already written to the current bucket.
// A later bucket seals the current one; an earlier bucket is ErrClosedBucket.
func (w *SnapshotWriter) Write(rec models.SnapshotRecord, eventTime time.Time) (bool, error) {
	start := w.bucketStart(eventTime)
	key := eventTime.UTC().Format(EventTimeLayout)

	w.bucketMu.Lock()
	defer w.bucketMu.Unlock()

	st := w.buckets[rec.InstrumentID]
	if st != nil && start.Before(st.key.Start) {
		return false, fmt.Errorf("%w: %s bucket %s, current %s", ErrClosedBucket, rec.InstrumentID,
			start.Format(time.RFC3339), st.key.Start.Format(time.RFC3339))
	}
	if st != nil && start.After(st.key.Start) {
		w.sealLocked(rec.InstrumentID, st)
		st = nil
	}
	if st == nil {
		bk := BucketKey{Exchange: rec.Exchange, InstrumentID: rec.InstrumentID, Start: start}
		sink, err := w.newSink(bk)
		if err != nil {
			return false, fmt.Errorf("open bucket: %w", err)
		}
		st = &bucketState{key: bk, sink: sink, seen: make(map[string]struct{})}
		w.buckets[rec.InstrumentID] = st
		w.log.WithInstrument("snapshot_writer", rec.InstrumentID).WithFields(logger.Fields{
			"path": sink.Path(),
		}).Info("opened bucket")
	}

	if _, dup := st.seen[key]; dup {
		return false, nil
	}
	if err := st.sink.Append(rec); err != nil {
		return false, err
	}
	st.seen[key] = struct{}{}
	st.records++
	return true, nil
}

func (w *SnapshotWriter) bucketStart(t time.Time) time.Time {
	rotation := w.config.Writer.Rotation
	if rotation <= 0 {
		rotation = time.Hour
	}
	return t.UTC().Truncate(rotation)
}

// SealAll seals every open bucket. Later records for the same bucket are
// rejected as closed.
func (w *SnapshotWriter) SealAll() {
	w.bucketMu.Lock()
	defer w.bucketMu.Unlock()
	for inst, st := range w.buckets {
		w.sealLocked(inst, st)
		// keep the bucket start so older records stay rejected
		w.buckets[inst] = &bucketState{key: st.key, sink: closedSink{st.sink.Path(), st.sink.Format()}, seen: st.seen}
	}
}

func (w *SnapshotWriter) sealLocked(inst string, st *bucketState) {
	if _, closed := st.sink.(closedSink); closed {
		return
	}
	log := w.log.WithInstrument("snapshot_writer", inst).WithFields(logger.Fields{"path": st.sink.Path()})
	if err := st.sink.Close(); err != nil {
		atomic.AddInt64(&w.errs, 1)
		log.WithError(err).Error("failed to close bucket")
		return
	}
	atomic.AddInt64(&w.sealed, 1)
	sealed := SealedBucket{
		Key:      st.key,
		Path:     st.sink.Path(),
		Format:   st.sink.Format(),
		Records:  st.records,
		Size:     fileSize(st.sink.Path()),
		SealedAt: w.now().UTC(),
	}
	log.WithFields(logger.Fields{"records": st.records, "size": sealed.Size}).Info("sealed bucket")
	for _, h := range w.sealers {
		h.HandleSealed(sealed)
	}
}

// closedSink stands in for a sealed bucket after SealAll.
type closedSink struct{ path, format string }

func (c closedSink) Append(models.SnapshotRecord) error { return ErrClosedBucket }
func (c closedSink) Close() error                       { return nil }
func (c closedSink) Path() string                       { return c.path }
func (c closedSink) Format() string                     { return c.format }

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// OpenPaths lists the files of buckets still being written.
func (w *SnapshotWriter) OpenPaths() []string {
	w.bucketMu.Lock()
	defer w.bucketMu.Unlock()
	var out []string
	for _, st := range w.buckets {
		if _, closed := st.sink.(closedSink); !closed {
			out = append(out, st.sink.Path())
		}
	}
	sort.Strings(out)
	return out
}

func (w *SnapshotWriter) GetStats() WriterStats {
	return WriterStats{
		Samples:        atomic.LoadInt64(&w.samples),
		Written:        atomic.LoadInt64(&w.written),
		Deduped:        atomic.LoadInt64(&w.deduped),
		SkippedInvalid: atomic.LoadInt64(&w.skipped),
		Rejected:       atomic.LoadInt64(&w.rejected),
		Sealed:         atomic.LoadInt64(&w.sealed),
		Errors:         atomic.LoadInt64(&w.errs),
	}
}

// BuildRecord turns a view into an output record. Notional fields are the
// sum of price*size*ctVal*ctMult over the top notionalTopK levels, or null
// when metadata is unavailable.
func BuildRecord(v book.View, info metadata.Info, notionalTopK int) models.SnapshotRecord {
	rec := models.SnapshotRecord{
		EventTime:          v.EventTime.UTC().Format(EventTimeLayout),
		Exchange:           "okx",
		InstrumentID:       v.InstrumentID,
		TopBids:            priceLevels(v.Bids),
		TopAsks:            priceLevels(v.Asks),
		PreviousSequenceID: v.PrevSeq,
		GapDetected:        v.GapDetected,
		Checksum:           v.Checksum,
	}
	if v.LastSeq != nil {
		rec.SequenceID = *v.LastSeq
	}
	if v.BestBid != nil {
		rec.BestBid = models.String(v.BestBid.RawPrice)
	}
	if v.BestAsk != nil {
		rec.BestAsk = models.String(v.BestAsk.RawPrice)
	}
	if mid, err := v.Mid(); err == nil {
		rec.MidPrice = models.String(mid.String())
	}
	if info.Available {
		rec.TickSize = models.String(info.RawTickSize)
		rec.ContractValue = models.String(info.RawCtVal)
		mult := info.Multiplier()
		rec.BidNotional = models.String(notional(v.Bids, mult, notionalTopK).String())
		rec.AskNotional = models.String(notional(v.Asks, mult, notionalTopK).String())
	}
	return rec
}

func priceLevels(levels []models.Level) []models.PriceLevel {
	out := make([]models.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = models.PriceLevel{Price: l.RawPrice, Quantity: l.RawQuantity, OrderCount: l.OrderCount}
	}
	return out
}

func notional(levels []models.Level, mult decimal.Decimal, k int) decimal.Decimal {
	if k <= 0 || k > len(levels) {
		k = len(levels)
	}
	sum := decimal.Zero
	for _, l := range levels[:k] {
		sum = sum.Add(l.Price.Mul(l.Quantity))
	}
	return sum.Mul(mult)
}
