package book

import (
	"time"

	"github.com/shopspring/decimal"

	"l2flow/models"
)

// View is an immutable point-in-time copy of the top of a Book. It shares no
// mutable state with the live book.
type View struct {
	InstrumentID string
	Valid        bool
	Bids         []models.Level
	Asks         []models.Level
	BestBid      *models.Level
	BestAsk      *models.Level
	MidPrice     *decimal.Decimal
	LastSeq      *int64
	PrevSeq      *int64
	Checksum     int32
	EventTime    time.Time
	GapDetected  bool

	gapMark uint64
}

// SnapshotView copies the top k levels of both sides together with best
// bid/ask, mid and sequence data. The copy is taken under the read lock, so
// it never reflects a half-applied message.
func (b *Book) SnapshotView(k int) View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := View{
		InstrumentID: b.instrumentID,
		Valid:        b.valid,
		Bids:         b.bids.TopK(k),
		Asks:         b.asks.TopK(k),
		Checksum:     b.checksum,
		EventTime:    b.eventTime,
		GapDetected:  b.gapMarks > b.gapAcked,
		gapMark:      b.gapMarks,
	}
	if b.lastSeq != nil {
		v.LastSeq = models.Int64(*b.lastSeq)
	}
	if b.lastPrevSeq != nil {
		v.PrevSeq = models.Int64(*b.lastPrevSeq)
	}
	if l, err := b.bids.Best(); err == nil {
		v.BestBid = &l
	}
	if l, err := b.asks.Best(); err == nil {
		v.BestAsk = &l
	}
	if mid, err := midPrice(b.bids, b.asks); err == nil {
		v.MidPrice = &mid
	}
	return v
}

// Mid returns the view's mid price or ErrInsufficientDepth.
func (v *View) Mid() (decimal.Decimal, error) {
	if v.MidPrice == nil {
		return decimal.Decimal{}, ErrInsufficientDepth
	}
	return *v.MidPrice, nil
}
