package models

import "time"

// Transport events carried next to data frames on the raw channel.
const (
	RawEventData       = ""
	RawEventDisconnect = "disconnect"
	RawEventReconnect  = "reconnect"
)

// RawBookMessage wraps a raw frame from the exchange websocket. A frame with
// Event == RawEventDisconnect or RawEventReconnect carries no data and tells
// the processor that the connection dropped or came back and resubscribed.
type RawBookMessage struct {
	Exchange     string
	InstrumentID string
	Event        string
	Data         []byte
	Timestamp    time.Time
}

// EventKind names a diagnostic event emitted by the book processors.
type EventKind string

const (
	EventGapDetected      EventKind = "gap_detected"
	EventChecksumMismatch EventKind = "checksum_mismatch"
	EventResubscribe      EventKind = "resubscribe"
	EventSnapshotApplied  EventKind = "snapshot_applied"
	EventRecoveryFailed   EventKind = "recovery_failed"
	EventDisconnect       EventKind = "disconnect"
	EventReconnect        EventKind = "reconnect"
)

// Event is a protocol-level observation. Events are advisory and never
// returned as errors.
type Event struct {
	Kind         EventKind `json:"kind"`
	InstrumentID string    `json:"instrument_id"`
	RecoveryID   string    `json:"recovery_id,omitempty"`
	Seq          int64     `json:"seq,omitempty"`

	// gap_detected
	ExpectedPrevSeq *int64 `json:"expected_prev_seq,omitempty"`
	ReceivedPrevSeq *int64 `json:"received_prev_seq,omitempty"`

	// checksum_mismatch
	AdvertisedChecksum int32 `json:"advertised_checksum,omitempty"`
	ComputedChecksum   int32 `json:"computed_checksum,omitempty"`

	// resubscribe / recovery_failed
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Time time.Time `json:"time"`
}

// PriceLevel is an output triple of a snapshot record.
type PriceLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount int64  `json:"order_count"`
}

// SnapshotRecord is one immutable line of sampled book output.
type SnapshotRecord struct {
	EventTime          string       `json:"event_time"`
	Exchange           string       `json:"exchange"`
	InstrumentID       string       `json:"instrument_id"`
	TopBids            []PriceLevel `json:"top_bids"`
	TopAsks            []PriceLevel `json:"top_asks"`
	BestBid            *string      `json:"best_bid"`
	BestAsk            *string      `json:"best_ask"`
	MidPrice           *string      `json:"mid_price"`
	SequenceID         int64        `json:"sequence_id"`
	PreviousSequenceID *int64       `json:"previous_sequence_id"`
	GapDetected        bool         `json:"gap_detected"`
	Checksum           int32        `json:"checksum"`
	TickSize           *string      `json:"tick_size"`
	ContractValue      *string      `json:"contract_value"`
	BidNotional        *string      `json:"bid_notional"`
	AskNotional        *string      `json:"ask_notional"`
}

// String returns a pointer to s.
func String(s string) *string { return &s }
