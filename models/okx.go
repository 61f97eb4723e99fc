package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// OKX //////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OkxBooksEvent mirrors a data frame of the OKX v5 "books" channel. Pointer
// fields distinguish an absent field from a zero value.
type OkxBooksEvent struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Action string          `json:"action"`
	Data   []OkxBooksEntry `json:"data"`
}

// OkxBooksEntry is a single element of the "data" array.
type OkxBooksEntry struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        *string    `json:"ts"`
	Checksum  *int64     `json:"checksum"`
	PrevSeqID *int64     `json:"prevSeqId"`
	SeqID     *int64     `json:"seqId"`
}

// OkxInstrument is the subset of /api/v5/public/instruments used for
// notional calculations.
type OkxInstrument struct {
	InstID string `json:"instId"`
	TickSz string `json:"tickSz"`
	LotSz  string `json:"lotSz"`
	CtVal  string `json:"ctVal"`
	CtMult string `json:"ctMult"`
	State  string `json:"state"`
}

// ParseOkxBooks validates a raw "books" frame against the required-field
// schema and converts every data element into a FeedMessage. Any missing or
// malformed field fails the whole frame with ErrSchema.
func ParseOkxBooks(raw []byte) ([]FeedMessage, error) {
	var evt OkxBooksEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if evt.Arg.InstID == "" {
		return nil, fmt.Errorf("%w: missing arg.instId", ErrSchema)
	}
	var kind Kind
	switch evt.Action {
	case "snapshot":
		kind = KindSnapshot
	case "update":
		kind = KindUpdate
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrSchema, evt.Action)
	}
	if len(evt.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrSchema)
	}

	out := make([]FeedMessage, 0, len(evt.Data))
	for i, d := range evt.Data {
		msg, err := d.toFeedMessage(kind, evt.Arg.InstID)
		if err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (d *OkxBooksEntry) toFeedMessage(kind Kind, instID string) (FeedMessage, error) {
	var missing []string
	if d.Bids == nil {
		missing = append(missing, "bids")
	}
	if d.Asks == nil {
		missing = append(missing, "asks")
	}
	if d.Ts == nil {
		missing = append(missing, "ts")
	}
	if d.SeqID == nil {
		missing = append(missing, "seqId")
	}
	if d.Checksum == nil {
		missing = append(missing, "checksum")
	}
	if kind == KindUpdate && d.PrevSeqID == nil {
		missing = append(missing, "prevSeqId")
	}
	if len(missing) > 0 {
		return FeedMessage{}, fmt.Errorf("%w: missing required fields %v", ErrSchema, missing)
	}

	ms, err := strconv.ParseInt(*d.Ts, 10, 64)
	if err != nil {
		return FeedMessage{}, fmt.Errorf("%w: ts %q: %v", ErrSchema, *d.Ts, err)
	}
	if *d.Checksum < math.MinInt32 || *d.Checksum > math.MaxInt32 {
		return FeedMessage{}, fmt.Errorf("%w: checksum %d out of int32 range", ErrSchema, *d.Checksum)
	}

	bids, err := parseOkxLevels(d.Bids)
	if err != nil {
		return FeedMessage{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseOkxLevels(d.Asks)
	if err != nil {
		return FeedMessage{}, fmt.Errorf("asks: %w", err)
	}

	msg := FeedMessage{
		Kind:         kind,
		InstrumentID: instID,
		Seq:          *d.SeqID,
		Bids:         bids,
		Asks:         asks,
		Checksum:     int32(*d.Checksum),
		EventTime:    time.UnixMilli(ms).UTC(),
	}
	// OKX marks "no predecessor" with -1.
	if d.PrevSeqID != nil && *d.PrevSeqID >= 0 {
		msg.PrevSeq = Int64(*d.PrevSeqID)
	}
	return msg, nil
}

// parseOkxLevels converts [price, size, liquidatedOrders, orderCount] tuples.
func parseOkxLevels(raw [][]string) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, l := range raw {
		if len(l) < 4 {
			return nil, fmt.Errorf("%w: level %v has %d fields, want 4", ErrSchema, l, len(l))
		}
		count, err := strconv.ParseInt(l[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: order count %q: %v", ErrSchema, l[3], err)
		}
		level, err := NewLevel(l[0], l[1], count)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}
