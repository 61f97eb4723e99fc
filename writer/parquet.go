package writer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"l2flow/models"
)

// ParquetSnapshot is the parquet row of one snapshot record. Levels are kept
// as JSON arrays of [price, quantity, order_count] so the exchange strings
// survive untouched.
type ParquetSnapshot struct {
	EventTime          string  `parquet:"name=event_time, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange           string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID       string  `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TopBids            string  `parquet:"name=top_bids, type=BYTE_ARRAY, convertedtype=UTF8"`
	TopAsks            string  `parquet:"name=top_asks, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestBid            *string `parquet:"name=best_bid, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	BestAsk            *string `parquet:"name=best_ask, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	MidPrice           *string `parquet:"name=mid_price, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SequenceID         int64   `parquet:"name=sequence_id, type=INT64"`
	PreviousSequenceID *int64  `parquet:"name=previous_sequence_id, type=INT64, repetitiontype=OPTIONAL"`
	GapDetected        bool    `parquet:"name=gap_detected, type=BOOLEAN"`
	Checksum           int32   `parquet:"name=checksum, type=INT32"`
	TickSize           *string `parquet:"name=tick_size, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ContractValue      *string `parquet:"name=contract_value, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	BidNotional        *string `parquet:"name=bid_notional, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	AskNotional        *string `parquet:"name=ask_notional, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

func toParquet(rec models.SnapshotRecord) (ParquetSnapshot, error) {
	bids, err := json.Marshal(levelTuples(rec.TopBids))
	if err != nil {
		return ParquetSnapshot{}, err
	}
	asks, err := json.Marshal(levelTuples(rec.TopAsks))
	if err != nil {
		return ParquetSnapshot{}, err
	}
	return ParquetSnapshot{
		EventTime:          rec.EventTime,
		Exchange:           rec.Exchange,
		InstrumentID:       rec.InstrumentID,
		TopBids:            string(bids),
		TopAsks:            string(asks),
		BestBid:            rec.BestBid,
		BestAsk:            rec.BestAsk,
		MidPrice:           rec.MidPrice,
		SequenceID:         rec.SequenceID,
		PreviousSequenceID: rec.PreviousSequenceID,
		GapDetected:        rec.GapDetected,
		Checksum:           rec.Checksum,
		TickSize:           rec.TickSize,
		ContractValue:      rec.ContractValue,
		BidNotional:        rec.BidNotional,
		AskNotional:        rec.AskNotional,
	}, nil
}

func levelTuples(levels []models.PriceLevel) [][3]interface{} {
	out := make([][3]interface{}, len(levels))
	for i, l := range levels {
		out[i] = [3]interface{}{l.Price, l.Quantity, l.OrderCount}
	}
	return out
}

// ParquetSinkFactory writes one snappy-compressed parquet file per bucket.
// The footer is written on Close, so a bucket file is only readable once it
// is sealed. File names are claimed like the JSONL sink's, so an existing
// file is never overwritten.
func ParquetSinkFactory(baseDir, session string) SinkFactory {
	return func(key BucketKey) (BucketSink, error) {
		path, claimed, err := createBucketFile(key, baseDir, FormatParquet, session)
		if err != nil {
			return nil, err
		}
		// the claimed file is empty and ours; the parquet source reopens it
		claimed.Close()
		fw, err := local.NewLocalFileWriter(path)
		if err != nil {
			return nil, fmt.Errorf("open parquet file: %w", err)
		}
		pw, err := writer.NewParquetWriter(fw, new(ParquetSnapshot), 1)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to create parquet writer: %w", err)
		}
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
		return &parquetSink{path: path, fw: fw, pw: pw}, nil
	}
}

type parquetSink struct {
	path string
	fw   source.ParquetFile
	pw   *writer.ParquetWriter
	mu   sync.Mutex
}

func (s *parquetSink) Append(rec models.SnapshotRecord) error {
	row, err := toParquet(rec)
	if err != nil {
		return fmt.Errorf("convert record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pw.Write(row); err != nil {
		return fmt.Errorf("failed to write parquet record: %w", err)
	}
	return nil
}

func (s *parquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pw.WriteStop(); err != nil {
		s.fw.Close()
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return s.fw.Close()
}

func (s *parquetSink) Path() string   { return s.path }
func (s *parquetSink) Format() string { return FormatParquet }
