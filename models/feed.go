package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrSchema marks a feed message that is missing a required field or carries
// a field that cannot be parsed. It is never recovered from.
var ErrSchema = errors.New("feed message schema violation")

// Kind tags a FeedMessage as a full replacement or an incremental update.
type Kind int

const (
	KindSnapshot Kind = iota + 1
	KindUpdate
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Level is a single price point. RawPrice and RawQuantity keep the exchange's
// own serialization, which the checksum and the output records depend on.
type Level struct {
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	OrderCount  int64
	RawPrice    string
	RawQuantity string
}

// NewLevel parses a level from its exchange string form.
func NewLevel(price, quantity string, orderCount int64) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, fmt.Errorf("%w: price %q: %v", ErrSchema, price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return Level{}, fmt.Errorf("%w: quantity %q: %v", ErrSchema, quantity, err)
	}
	if p.Sign() <= 0 {
		return Level{}, fmt.Errorf("%w: non-positive price %q", ErrSchema, price)
	}
	if q.Sign() < 0 {
		return Level{}, fmt.Errorf("%w: negative quantity %q", ErrSchema, quantity)
	}
	return Level{
		Price:       p,
		Quantity:    q,
		OrderCount:  orderCount,
		RawPrice:    price,
		RawQuantity: quantity,
	}, nil
}

// FeedMessage is one validated book message for a single instrument.
// PrevSeq is nil when the feed does not name a predecessor (snapshots).
type FeedMessage struct {
	Kind         Kind
	InstrumentID string
	Seq          int64
	PrevSeq      *int64
	Bids         []Level
	Asks         []Level
	Checksum     int32
	EventTime    time.Time
}

// PrevSeqValue returns the predecessor sequence and whether one was present.
func (m *FeedMessage) PrevSeqValue() (int64, bool) {
	if m.PrevSeq == nil {
		return 0, false
	}
	return *m.PrevSeq, true
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
