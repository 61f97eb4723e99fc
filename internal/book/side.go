package book

import (
	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"

	"l2flow/models"
)

// SideKind selects the price order of a Side.
type SideKind int

const (
	Bid SideKind = iota + 1
	Ask
)

func (k SideKind) String() string {
	if k == Bid {
		return "bid"
	}
	return "ask"
}

// Side is a price-ordered level store. Bids iterate highest price first,
// asks lowest price first. Prices are unique; a zero quantity is never stored.
type Side struct {
	kind   SideKind
	levels *treemap.TreeMap[decimal.Decimal, models.Level]
}

// NewSide returns an empty side ordered for kind.
func NewSide(kind SideKind) *Side {
	less := func(a, b decimal.Decimal) bool { return a.LessThan(b) }
	if kind == Bid {
		less = func(a, b decimal.Decimal) bool { return a.GreaterThan(b) }
	}
	return &Side{
		kind:   kind,
		levels: treemap.NewWithKeyCompare[decimal.Decimal, models.Level](less),
	}
}

// Kind reports which side of the book this is.
func (s *Side) Kind() SideKind { return s.kind }

// Upsert replaces or inserts the level at l.Price. A zero quantity removes
// the level; removing an absent price is a no-op.
func (s *Side) Upsert(l models.Level) {
	if l.Quantity.IsZero() {
		s.levels.Del(l.Price)
		return
	}
	s.levels.Set(l.Price, l)
}

// Get returns the level resting at price.
func (s *Side) Get(price decimal.Decimal) (models.Level, bool) {
	return s.levels.Get(price)
}

// TopK returns up to k levels in side order. The slice is a copy.
func (s *Side) TopK(k int) []models.Level {
	if k <= 0 {
		return nil
	}
	n := s.levels.Len()
	if k < n {
		n = k
	}
	out := make([]models.Level, 0, n)
	for it := s.levels.Iterator(); it.Valid() && len(out) < n; it.Next() {
		out = append(out, it.Value())
	}
	return out
}

// Best returns the top-of-side level.
func (s *Side) Best() (models.Level, error) {
	it := s.levels.Iterator()
	if !it.Valid() {
		return models.Level{}, ErrEmptyBook
	}
	return it.Value(), nil
}

// BestPrice returns the best price or ErrEmptyBook. An empty side has no
// best price; callers must not treat it as zero.
func (s *Side) BestPrice() (decimal.Decimal, error) {
	l, err := s.Best()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return l.Price, nil
}

// Len is the number of resting levels.
func (s *Side) Len() int { return s.levels.Len() }

// Clear drops every level.
func (s *Side) Clear() { s.levels.Clear() }
