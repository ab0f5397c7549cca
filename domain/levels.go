package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseLevels converts the [price, size] string pairs every venue publishes
// into exact decimal levels. Extra elements (per-op sequences and the like)
// are ignored.
func ParseLevels(raw [][]string) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("price level needs price and size: %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parsing price %q: %w", pair[0], err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parsing size %q: %w", pair[1], err)
		}
		out = append(out, PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// ParseOps converts string pairs into delta ops for one side, applying the
// size-zero-deletes convention. Levels with a zero price are skipped (some
// venues pad updates with them).
func ParseOps(raw [][]string, side Side) ([]Op, error) {
	levels, err := ParseLevels(raw)
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, len(levels))
	for _, l := range levels {
		if l.Price.IsZero() {
			continue
		}
		ops = append(ops, Op{
			Side:   side,
			Price:  l.Price,
			Size:   l.Size,
			Delete: l.Size.IsZero(),
		})
	}
	return ops, nil
}
