// Package book reconstructs a single instrument's order book from snapshot and
// incremental feed messages.
//
// A Book has exactly one writer, the instrument's processing path. Readers go
// through SnapshotView, which copies the requested depth under a read lock so
// no reader ever observes a partially applied message.
package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"l2flow/models"
)

var half = decimal.RequireFromString("0.5")

// Book is the in-memory state of one instrument.
type Book struct {
	mu sync.RWMutex

	instrumentID string
	bids         *Side
	asks         *Side

	lastSeq     *int64
	lastPrevSeq *int64
	checksum    int32
	eventTime   time.Time
	valid       bool

	// gap flag bookkeeping: marked by the processor, acknowledged by the
	// snapshot writer once a record carrying it has been written.
	gapMarks uint64
	gapAcked uint64
}

// New returns an empty, invalid book for instrumentID.
func New(instrumentID string) *Book {
	return &Book{
		instrumentID: instrumentID,
		bids:         NewSide(Bid),
		asks:         NewSide(Ask),
	}
}

// InstrumentID returns the instrument this book tracks.
func (b *Book) InstrumentID() string { return b.instrumentID }

// ApplySnapshot discards both sides and rebuilds them from msg. The book is
// valid afterwards and last_seq is msg.Seq.
func (b *Book) ApplySnapshot(msg *models.FeedMessage) error {
	if msg.InstrumentID != b.instrumentID {
		return fmt.Errorf("%w: got %s, book %s", ErrInstrumentMismatch, msg.InstrumentID, b.instrumentID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids.Clear()
	b.asks.Clear()
	for _, l := range msg.Bids {
		b.bids.Upsert(l)
	}
	for _, l := range msg.Asks {
		b.asks.Upsert(l)
	}
	b.commit(msg)
	b.valid = true
	return nil
}

// ApplyUpdate upserts every level of msg into the existing sides. It fails
// with ErrInvalidState unless the book is valid.
func (b *Book) ApplyUpdate(msg *models.FeedMessage) error {
	if msg.InstrumentID != b.instrumentID {
		return fmt.Errorf("%w: got %s, book %s", ErrInstrumentMismatch, msg.InstrumentID, b.instrumentID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.valid {
		return fmt.Errorf("%w: instrument %s seq %d", ErrInvalidState, b.instrumentID, msg.Seq)
	}
	for _, l := range msg.Bids {
		b.bids.Upsert(l)
	}
	for _, l := range msg.Asks {
		b.asks.Upsert(l)
	}
	b.commit(msg)
	return nil
}

func (b *Book) commit(msg *models.FeedMessage) {
	seq := msg.Seq
	b.lastSeq = &seq
	if prev, ok := msg.PrevSeqValue(); ok {
		b.lastPrevSeq = models.Int64(prev)
	} else {
		b.lastPrevSeq = nil
	}
	b.checksum = msg.Checksum
	b.eventTime = msg.EventTime
}

// Invalidate clears both sides and marks the book invalid. It returns the
// last applied sequence so the caller can report it.
func (b *Book) Invalidate() (lastSeq *int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lastSeq = b.lastSeq
	b.bids.Clear()
	b.asks.Clear()
	b.lastSeq = nil
	b.lastPrevSeq = nil
	b.valid = false
	return lastSeq
}

// Sequence returns last_seq (nil before the first snapshot) and is_valid.
func (b *Book) Sequence() (lastSeq *int64, valid bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSeq != nil {
		lastSeq = models.Int64(*b.lastSeq)
	}
	return lastSeq, b.valid
}

// Valid reports is_valid.
func (b *Book) Valid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.valid
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.BestPrice()
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.BestPrice()
}

// MidPrice is (bestBid + bestAsk) / 2, or ErrInsufficientDepth when either
// side is empty.
func (b *Book) MidPrice() (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return midPrice(b.bids, b.asks)
}

func midPrice(bids, asks *Side) (decimal.Decimal, error) {
	bid, err := bids.BestPrice()
	if err != nil {
		return decimal.Decimal{}, ErrInsufficientDepth
	}
	ask, err := asks.BestPrice()
	if err != nil {
		return decimal.Decimal{}, ErrInsufficientDepth
	}
	return bid.Add(ask).Mul(half), nil
}

// MarkGap records that the latest classification for this instrument was a
// gap. The next written snapshot record carries the flag.
func (b *Book) MarkGap() {
	b.mu.Lock()
	b.gapMarks++
	b.mu.Unlock()
}

// AckGap clears gap marks up to and including the one observed by view.
func (b *Book) AckGap(view *View) {
	b.mu.Lock()
	if view.gapMark > b.gapAcked {
		b.gapAcked = view.gapMark
	}
	b.mu.Unlock()
}
