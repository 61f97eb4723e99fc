package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l2flow/config"
	"l2flow/internal/book"
	"l2flow/internal/metadata"
	"l2flow/models"
)

const inst = "BTC-USDT-SWAP"

var hour12 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type staticBooks map[string]*book.Book

func (s staticBooks) Books() map[string]*book.Book { return s }

type memSink struct {
	key    BucketKey
	recs   []models.SnapshotRecord
	closed bool
}

func (s *memSink) Append(rec models.SnapshotRecord) error {
	if s.closed {
		return errors.New("append after close")
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func (s *memSink) Path() string   { return s.key.Path("mem", FormatJSONL) }
func (s *memSink) Format() string { return FormatJSONL }

type memFactory struct {
	mu    sync.Mutex
	sinks []*memSink
}

func (f *memFactory) open(key BucketKey) (BucketSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &memSink{key: key}
	f.sinks = append(f.sinks, s)
	return s, nil
}

type recordingPublisher struct{ recs []models.SnapshotRecord }

func (p *recordingPublisher) Publish(rec models.SnapshotRecord) bool {
	p.recs = append(p.recs, rec)
	return true
}

type fixedMeta metadata.Info

func (m fixedMeta) Lookup(context.Context, string) (metadata.Info, error) { return metadata.Info(m), nil }

func writerConfig() *config.Config {
	cfg := config.Default()
	cfg.Writer.Depth = 10
	cfg.Writer.Rotation = time.Hour
	return &cfg
}

func newWriter(t *testing.T, cfg *config.Config, books BookSource, sinks SinkFactory, meta MetadataLookup) *SnapshotWriter {
	t.Helper()
	w, err := NewSnapshotWriter(cfg, books, sinks, meta)
	require.NoError(t, err)
	return w
}

func feed(kind models.Kind, prev *int64, seq int64, at time.Time, bids, asks []models.Level) *models.FeedMessage {
	return &models.FeedMessage{
		Kind:         kind,
		InstrumentID: inst,
		Seq:          seq,
		PrevSeq:      prev,
		Bids:         bids,
		Asks:         asks,
		EventTime:    at,
	}
}

func lvl(price, qty string) models.Level { return mustLevel(price, qty, 1) }

// mustLevel builds a level from literals that are known to parse.
func mustLevel(price, quantity string, orderCount int64) models.Level {
	l, err := models.NewLevel(price, quantity, orderCount)
	if err != nil {
		panic(err)
	}
	return l
}


func validBook(t *testing.T, at time.Time) *book.Book {
	t.Helper()
	b := book.New(inst)
	require.NoError(t, b.ApplySnapshot(feed(models.KindSnapshot, nil, 100, at,
		[]models.Level{lvl("100", "2"), lvl("99", "1")},
		[]models.Level{lvl("101", "3")})))
	return b
}

func update(t *testing.T, b *book.Book, at time.Time) {
	t.Helper()
	last, _ := b.Sequence()
	require.NoError(t, b.ApplyUpdate(feed(models.KindUpdate, last, *last+1, at, []models.Level{lvl("100", "4")}, nil)))
}

func TestWriterDeduplicatesSameEventTime(t *testing.T) {
	dir := t.TempDir()
	b := validBook(t, hour12.Add(5*time.Second))
	w := newWriter(t, writerConfig(), staticBooks{inst: b}, JSONLSinkFactory(dir, "s1"), nil)

	w.Sample(context.Background())
	w.Sample(context.Background())

	paths := w.OpenPaths()
	require.Len(t, paths, 1)
	assert.Equal(t, BucketKey{Exchange: "okx", InstrumentID: inst, Start: hour12}.Path(dir, "jsonl"), paths[0])

	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()
	var lines []models.SnapshotRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var rec models.SnapshotRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "2024-03-01T12:00:05.000000Z", lines[0].EventTime)
	assert.EqualValues(t, 100, lines[0].SequenceID)
	assert.Nil(t, lines[0].PreviousSequenceID)

	stats := w.GetStats()
	assert.EqualValues(t, 1, stats.Written)
	assert.EqualValues(t, 1, stats.Deduped)
}

func TestWriterRotationSealsPreviousBucket(t *testing.T) {
	mem := &memFactory{}
	b := validBook(t, hour12.Add(59*time.Minute+59*time.Second))
	w := newWriter(t, writerConfig(), staticBooks{inst: b}, mem.open, nil)
	var sealed []SealedBucket
	w.AddSealHandler(SealHandlerFunc(func(s SealedBucket) { sealed = append(sealed, s) }))

	w.Sample(context.Background())
	update(t, b, hour12.Add(time.Hour+100*time.Millisecond))
	w.Sample(context.Background())
	update(t, b, hour12.Add(time.Hour+200*time.Millisecond))
	w.Sample(context.Background())

	require.Len(t, mem.sinks, 2, "each bucket is opened exactly once")
	assert.Equal(t, hour12, mem.sinks[0].key.Start)
	assert.True(t, mem.sinks[0].closed)
	assert.Len(t, mem.sinks[0].recs, 1)
	assert.Equal(t, hour12.Add(time.Hour), mem.sinks[1].key.Start)
	assert.False(t, mem.sinks[1].closed)
	assert.Len(t, mem.sinks[1].recs, 2)

	require.Len(t, sealed, 1)
	assert.EqualValues(t, 1, sealed[0].Records)
	assert.Equal(t, hour12, sealed[0].Key.Start)

	// a late record for the sealed hour is rejected, never appended
	late := models.SnapshotRecord{Exchange: "okx", InstrumentID: inst}
	ok, err := w.Write(late, hour12.Add(30*time.Minute))
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrClosedBucket))
	assert.Len(t, mem.sinks[0].recs, 1)
}

func TestWriterSealAllRejectsLaterRecords(t *testing.T) {
	mem := &memFactory{}
	b := validBook(t, hour12)
	w := newWriter(t, writerConfig(), staticBooks{inst: b}, mem.open, nil)
	w.Sample(context.Background())

	w.SealAll()
	assert.Empty(t, w.OpenPaths())

	update(t, b, hour12.Add(time.Second))
	w.Sample(context.Background())
	assert.EqualValues(t, 1, w.GetStats().Rejected)
	assert.Len(t, mem.sinks, 1)

	// the next hour opens a fresh bucket
	update(t, b, hour12.Add(time.Hour))
	w.Sample(context.Background())
	assert.Len(t, mem.sinks, 2)
}

func TestWriterGapFlagConsumedOnWrite(t *testing.T) {
	mem := &memFactory{}
	b := validBook(t, hour12)
	w := newWriter(t, writerConfig(), staticBooks{inst: b}, mem.open, nil)
	pub := &recordingPublisher{}
	w.AddPublisher(pub)

	b.MarkGap()
	w.Sample(context.Background())
	require.Len(t, pub.recs, 1)
	assert.True(t, pub.recs[0].GapDetected)

	// marked again but deduplicated: the flag waits for the next write
	b.MarkGap()
	w.Sample(context.Background())
	require.Len(t, pub.recs, 1)

	update(t, b, hour12.Add(time.Second))
	w.Sample(context.Background())
	require.Len(t, pub.recs, 2)
	assert.True(t, pub.recs[1].GapDetected)

	update(t, b, hour12.Add(2*time.Second))
	w.Sample(context.Background())
	require.Len(t, pub.recs, 3)
	assert.False(t, pub.recs[2].GapDetected)
	assert.EqualValues(t, 101, *pub.recs[2].PreviousSequenceID)
}

func TestWriterSkipsInvalidBook(t *testing.T) {
	mem := &memFactory{}
	b := validBook(t, hour12)
	b.Invalidate()
	empty := book.New("ETH-USDT-SWAP")
	w := newWriter(t, writerConfig(), staticBooks{inst: b, "ETH-USDT-SWAP": empty}, mem.open, nil)

	w.Sample(context.Background())
	assert.Empty(t, mem.sinks)
	assert.EqualValues(t, 2, w.GetStats().SkippedInvalid)
}

func TestBuildRecord(t *testing.T) {
	b := validBook(t, hour12.Add(1500*time.Microsecond))
	v := b.SnapshotView(10)

	rec := BuildRecord(v, metadata.Info{InstrumentID: inst}, 400)
	assert.Equal(t, "2024-03-01T12:00:00.001500Z", rec.EventTime)
	assert.Equal(t, "okx", rec.Exchange)
	assert.Equal(t, []models.PriceLevel{{Price: "100", Quantity: "2", OrderCount: 1}, {Price: "99", Quantity: "1", OrderCount: 1}}, rec.TopBids)
	assert.Equal(t, "100", *rec.BestBid)
	assert.Equal(t, "101", *rec.BestAsk)
	assert.Equal(t, "100.5", *rec.MidPrice)
	assert.Nil(t, rec.TickSize)
	assert.Nil(t, rec.BidNotional)
	assert.Nil(t, rec.AskNotional)

	info := metadata.Info{
		InstrumentID: inst,
		Available:    true,
		TickSize:     decimal.RequireFromString("0.1"),
		CtVal:        decimal.RequireFromString("0.01"),
		CtMult:       decimal.NewFromInt(1),
		RawTickSize:  "0.1",
		RawCtVal:     "0.01",
	}
	rec = BuildRecord(v, info, 400)
	assert.Equal(t, "0.1", *rec.TickSize)
	assert.Equal(t, "0.01", *rec.ContractValue)
	assert.Equal(t, "2.99", *rec.BidNotional)
	assert.Equal(t, "3.03", *rec.AskNotional)

	rec = BuildRecord(v, info, 1)
	assert.Equal(t, "2", *rec.BidNotional)
}

func TestWriterUsesMetadata(t *testing.T) {
	mem := &memFactory{}
	b := validBook(t, hour12)
	meta := fixedMeta{InstrumentID: inst, Available: true, CtVal: decimal.NewFromInt(1), CtMult: decimal.NewFromInt(1), RawTickSize: "0.1", RawCtVal: "1"}
	w := newWriter(t, writerConfig(), staticBooks{inst: b}, mem.open, meta)

	w.WarmMetadata(context.Background())
	w.Sample(context.Background())
	require.Len(t, mem.sinks, 1)
	require.Len(t, mem.sinks[0].recs, 1)
	assert.Equal(t, "299", *mem.sinks[0].recs[0].BidNotional)
}

type slowMeta struct {
	release chan struct{}
	info    metadata.Info
	calls   int64
}

func (m *slowMeta) Lookup(ctx context.Context, _ string) (metadata.Info, error) {
	atomic.AddInt64(&m.calls, 1)
	select {
	case <-m.release:
		return m.info, nil
	case <-ctx.Done():
		return metadata.Info{}, ctx.Err()
	}
}

func TestWriterSampleDoesNotWaitForMetadata(t *testing.T) {
	mem := &memFactory{}
	b := validBook(t, hour12)
	meta := &slowMeta{
		release: make(chan struct{}),
		info:    metadata.Info{InstrumentID: inst, Available: true, CtVal: decimal.NewFromInt(1), CtMult: decimal.NewFromInt(1), RawTickSize: "0.1", RawCtVal: "1"},
	}
	w := newWriter(t, writerConfig(), staticBooks{inst: b}, mem.open, meta)

	done := make(chan struct{})
	go func() {
		w.Sample(context.Background())
		w.Sample(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampling blocked on a metadata lookup")
	}
	require.Len(t, mem.sinks, 1)
	require.Len(t, mem.sinks[0].recs, 1)
	assert.Nil(t, mem.sinks[0].recs[0].BidNotional)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&meta.calls) == 1 }, time.Second, 5*time.Millisecond)
	w.Sample(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt64(&meta.calls), "one lookup in flight at a time")

	close(meta.release)
	require.Eventually(t, func() bool {
		return w.metadataFor(context.Background(), inst).Available
	}, time.Second, 5*time.Millisecond)

	update(t, b, hour12.Add(2*time.Second))
	w.Sample(context.Background())
	require.Len(t, mem.sinks[0].recs, 2)
	require.NotNil(t, mem.sinks[0].recs[1].BidNotional)
	assert.Equal(t, "499", *mem.sinks[0].recs[1].BidNotional)
}

func TestWriterDefaultSinkFollowsFormat(t *testing.T) {
	cfg := writerConfig()
	cfg.Storage.Local.BaseDir = t.TempDir()
	cfg.Writer.Format = FormatParquet
	w := newWriter(t, cfg, staticBooks{inst: validBook(t, hour12)}, nil, nil)
	w.Sample(context.Background())
	paths := w.OpenPaths()
	require.Len(t, paths, 1)
	assert.Equal(t, BucketKey{Exchange: "okx", InstrumentID: inst, Start: hour12}.Path(cfg.Storage.Local.BaseDir, FormatParquet), paths[0])
	w.SealAll()

	cfg.Writer.Format = "csv"
	_, err := NewSnapshotWriter(cfg, staticBooks{}, nil, nil)
	assert.Error(t, err)
}

func TestWriterStartStop(t *testing.T) {
	cfg := writerConfig()
	cfg.Writer.Cadence = 10 * time.Millisecond
	mem := &memFactory{}
	b := validBook(t, hour12)
	w := newWriter(t, cfg, staticBooks{inst: b}, mem.open, nil)
	var sealed int
	w.AddSealHandler(SealHandlerFunc(func(SealedBucket) { sealed++ }))

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return w.GetStats().Samples >= 2 }, time.Second, 5*time.Millisecond)
	w.Stop()

	assert.EqualValues(t, 1, w.GetStats().Written)
	assert.Equal(t, 1, sealed)
	require.Len(t, mem.sinks, 1)
	assert.True(t, mem.sinks[0].closed)
}
