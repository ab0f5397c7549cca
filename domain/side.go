package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// BookSide keeps one side of a book as a price-sorted slice with unique
// prices: bids descending, asks ascending. Lookups are binary searches on the
// exact decimal price, inserts shift the tail.
type BookSide struct {
	levels []PriceLevel
	asc    bool
}

func NewBidSide() *BookSide {
	return &BookSide{asc: false}
}

func NewAskSide() *BookSide {
	return &BookSide{asc: true}
}

// Load replaces the side wholesale, re-sorting by the side's comparator and
// dropping zero-size levels.
func (s *BookSide) Load(levels []PriceLevel) {
	s.levels = make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Size.IsPositive() {
			s.levels = append(s.levels, l)
		}
	}
	sort.Slice(s.levels, func(i, j int) bool {
		return s.before(s.levels[i].Price, s.levels[j].Price)
	})
}

// Upsert inserts or replaces the level at price, keeping sort order.
func (s *BookSide) Upsert(price, size decimal.Decimal) {
	i, found := s.search(price)
	if found {
		s.levels[i].Size = size
		return
	}
	s.levels = append(s.levels, PriceLevel{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = PriceLevel{Price: price, Size: size}
}

// Delete removes the level at price. An absent price is a no-op.
func (s *BookSide) Delete(price decimal.Decimal) {
	i, found := s.search(price)
	if !found {
		return
	}
	s.levels = append(s.levels[:i], s.levels[i+1:]...)
}

func (s *BookSide) Len() int {
	return len(s.levels)
}

// Best returns the level closest to mid, if any.
func (s *BookSide) Best() (PriceLevel, bool) {
	if len(s.levels) == 0 {
		return PriceLevel{}, false
	}
	return s.levels[0], true
}

// Clone copies at most maxDepth levels, closest to mid first.
// maxDepth <= 0 means unlimited.
func (s *BookSide) Clone(maxDepth int) []PriceLevel {
	n := len(s.levels)
	if maxDepth > 0 && n > maxDepth {
		n = maxDepth
	}
	out := make([]PriceLevel, n)
	copy(out, s.levels[:n])
	return out
}

func (s *BookSide) before(a, b decimal.Decimal) bool {
	if s.asc {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// search returns the index of price if present, or the insertion index.
func (s *BookSide) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		return !s.before(s.levels[i].Price, price)
	})
	if i < len(s.levels) && s.levels[i].Price.Equal(price) {
		return i, true
	}
	return i, false
}
