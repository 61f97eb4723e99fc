package book

import (
	"hash/crc32"
	"strings"

	"l2flow/models"
)

// DefaultChecksumDepth is the number of levels per side OKX folds into the
// "books" checksum.
const DefaultChecksumDepth = 25

// Checksum computes the OKX book digest: levels are interleaved
// bid[0], ask[0], bid[1], ask[1], ... up to depth per side, each rendered as
// "price:size" with the exchange's own strings, joined by ':' and hashed with
// CRC32 (IEEE). The result is the signed 32-bit value OKX advertises.
func Checksum(bids, asks []models.Level, depth int) int32 {
	var sb strings.Builder
	for i := 0; i < depth; i++ {
		if i < len(bids) {
			writeLevel(&sb, bids[i])
		}
		if i < len(asks) {
			writeLevel(&sb, asks[i])
		}
	}
	return int32(crc32.ChecksumIEEE([]byte(sb.String())))
}

func writeLevel(sb *strings.Builder, l models.Level) {
	if sb.Len() > 0 {
		sb.WriteByte(':')
	}
	sb.WriteString(l.RawPrice)
	sb.WriteByte(':')
	sb.WriteString(l.RawQuantity)
}

// Verify recomputes the digest over the top depth levels of b and compares it
// with advertised. A mismatch is advisory; Verify never changes the book.
func Verify(b *Book, advertised int32, depth int) (computed int32, ok bool) {
	b.mu.RLock()
	bids := b.bids.TopK(depth)
	asks := b.asks.TopK(depth)
	b.mu.RUnlock()

	computed = Checksum(bids, asks, depth)
	return computed, computed == advertised
}
