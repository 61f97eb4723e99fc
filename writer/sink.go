package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"l2flow/models"
)

// BucketKey identifies one rotation bucket of one instrument.
type BucketKey struct {
	Exchange     string
	InstrumentID string
	Start        time.Time
}

// Dir is {base}/{exchange}/{instId}/{YYYY-MM-DD}.
func (k BucketKey) Dir(base string) string {
	return filepath.Join(base, k.Exchange, k.InstrumentID, k.Start.UTC().Format("2006-01-02"))
}

// Stem names the bucket inside its day: {HH} for buckets starting on the
// hour, {HHMM} otherwise, so sub-hour rotations never share a file.
func (k BucketKey) Stem() string {
	t := k.Start.UTC()
	if t.Minute() == 0 {
		return fmt.Sprintf("%02d", t.Hour())
	}
	return fmt.Sprintf("%02d%02d", t.Hour(), t.Minute())
}

// Path is {base}/{exchange}/{instId}/{YYYY-MM-DD}/{stem}.{ext}.
func (k BucketKey) Path(base, ext string) string {
	return filepath.Join(k.Dir(base), k.Stem()+"."+ext)
}

// maxBucketFiles bounds the suffixes tried for one bucket.
const maxBucketFiles = 1000

// createBucketFile claims a new file for key with an exclusive create. The
// plain path is tried first, then {stem}-{session}, then {stem}-{session}-N.
// A file that already exists belongs to a sealed bucket and is never opened.
func createBucketFile(key BucketKey, base, ext, session string) (string, *os.File, error) {
	dir := key.Dir(base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create bucket dir: %w", err)
	}
	for i := 0; i < maxBucketFiles; i++ {
		name := key.Stem()
		switch {
		case i == 1:
			name = fmt.Sprintf("%s-%s", name, session)
		case i > 1:
			name = fmt.Sprintf("%s-%s-%d", name, session, i)
		}
		path := filepath.Join(dir, name+"."+ext)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("open bucket file: %w", err)
		}
	}
	return "", nil, fmt.Errorf("no free file name for bucket %s under %s", key.Stem(), dir)
}

// SealedBucket describes a bucket file that will never be written again.
type SealedBucket struct {
	Key      BucketKey
	Path     string
	Format   string
	Records  int64
	Size     int64
	SealedAt time.Time
}

// BucketSink is the storage of one open bucket. Append must not reorder
// records; Close seals the bucket.
type BucketSink interface {
	Append(rec models.SnapshotRecord) error
	Close() error
	Path() string
	Format() string
}

// SinkFactory opens the sink for a new bucket.
type SinkFactory func(key BucketKey) (BucketSink, error)

// JSONLSinkFactory writes one JSON object per line. Every bucket gets a new
// file; a restart inside the same bucket writes {stem}-{session}.jsonl.
func JSONLSinkFactory(baseDir, session string) SinkFactory {
	return func(key BucketKey) (BucketSink, error) {
		path, f, err := createBucketFile(key, baseDir, FormatJSONL, session)
		if err != nil {
			return nil, err
		}
		return &jsonlSink{path: path, file: f, buf: bufio.NewWriter(f)}, nil
	}
}

type jsonlSink struct {
	path string
	file *os.File
	buf  *bufio.Writer
}

func (s *jsonlSink) Append(rec models.SnapshotRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.buf.Write(line); err != nil {
		return err
	}
	// flushed per record so a crash loses at most the line in flight
	return s.buf.Flush()
}

func (s *jsonlSink) Close() error {
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (s *jsonlSink) Path() string   { return s.path }
func (s *jsonlSink) Format() string { return FormatJSONL }

const (
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// NewSinkFactory picks the factory for a writer.format value.
func NewSinkFactory(format, baseDir, session string) (SinkFactory, error) {
	switch format {
	case "", FormatJSONL:
		return JSONLSinkFactory(baseDir, session), nil
	case FormatParquet:
		return ParquetSinkFactory(baseDir, session), nil
	default:
		return nil, fmt.Errorf("unsupported writer format %q", format)
	}
}
