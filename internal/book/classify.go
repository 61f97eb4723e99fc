package book

import "l2flow/models"

// Class is the gap detector's verdict for one message.
type Class int

const (
	// ClassApply: the message can be applied to the book as is.
	ClassApply Class = iota + 1
	// ClassGap: at least one update between last_seq and the message was lost.
	ClassGap
	// ClassStale: a duplicate or reordered old message. Dropped silently.
	ClassStale
	// ClassDiscard: an update reached a book that is not valid. Dropped until
	// the next snapshot.
	ClassDiscard
)

func (c Class) String() string {
	switch c {
	case ClassApply:
		return "apply"
	case ClassGap:
		return "gap"
	case ClassStale:
		return "stale"
	case ClassDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Classify compares msg's predecessor sequence with the book's last applied
// sequence.
//
// A snapshot always applies. An update with prev_seq == last_seq applies even
// when seq does not advance: OKX heartbeats repeat the sequence and a sequence
// reset moves it backwards while still naming the right predecessor.
func Classify(msg *models.FeedMessage, b *Book) Class {
	if msg.Kind == models.KindSnapshot {
		return ClassApply
	}
	lastSeq, valid := b.Sequence()
	if !valid || lastSeq == nil {
		return ClassDiscard
	}
	if prev, ok := msg.PrevSeqValue(); ok && prev == *lastSeq {
		return ClassApply
	}
	if msg.Seq <= *lastSeq {
		return ClassStale
	}
	return ClassGap
}
