package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderBook EventType = "orderbook"
	EventTrade     EventType = "trade"
	EventTicker    EventType = "ticker"
	EventOHLCV     EventType = "ohlcv"
)

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

type MessageKind int

const (
	KindHeartbeat MessageKind = iota + 1
	KindSubscribeAck
	KindUnsubscribeAck
	KindSnapshot
	KindDelta
	KindTrade
	KindError
)

// Message is the canonical form every venue dialect decodes into.
// Only the fields relevant to the Kind are populated.
type Message struct {
	Kind      MessageKind
	Token     string // correlation token carried by acks
	ChannelID string // venue-assigned channel, if any
	Event     EventType
	Symbol    *MarketSymbol
	Snapshot  *BookSnapshot
	Delta     *DeltaBatch
	Trade     *Trade
	Err       error
}

type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSnapshot is an immutable view of a book: a full venue snapshot on the
// way in, a depth-limited clone on the way out to consumers.
type BookSnapshot struct {
	Venue    string
	Symbol   *MarketSymbol
	Sequence int64
	Bids     []PriceLevel
	Asks     []PriceLevel
	At       time.Time
}

// Op is a single price-level change. Size zero deletes the level; deleting an
// absent price is a no-op.
type Op struct {
	Side   Side
	Price  decimal.Decimal
	Size   decimal.Decimal
	Delete bool
}

// DeltaBatch is an ordered group of level changes relative to a prior
// sequence. Sequence is the final sequence covered by the batch; First is the
// first one for venues that publish a range (binance U/u), zero otherwise.
type DeltaBatch struct {
	Symbol   *MarketSymbol
	First    int64
	Sequence int64
	Ops      []Op
	At       time.Time
}

// Covers reports whether applying the batch on top of lastApplied keeps the
// sequence contiguous. Range dialects accept any batch straddling the
// successor; plain dialects require the exact successor.
func (b *DeltaBatch) Covers(lastApplied int64) bool {
	next := lastApplied + 1
	if b.First > 0 {
		return b.First <= next && b.Sequence >= next
	}
	return b.Sequence == next
}

type Trade struct {
	Venue  string
	Symbol *MarketSymbol
	ID     string
	Price  decimal.Decimal
	Size   decimal.Decimal
	Side   Side // aggressor side
	At     time.Time
}
