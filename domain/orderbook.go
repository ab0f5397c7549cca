package domain

import (
	"sync"
	"time"
)

type BookStatus string

const (
	BookStatus_Ok    BookStatus = "Ok"
	BookStatus_Stale BookStatus = "Stale"
)

// OrderBook is the live two-sided book for one symbol. It is mutated only by
// the sequencer that owns it; the mutex exists so snapshots can be taken from
// outside the owning connection's loop.
type OrderBook struct {
	Venue  string
	Symbol *MarketSymbol

	bids      *BookSide
	asks      *BookSide
	sequence  int64
	updatedAt time.Time
	status    BookStatus

	mu sync.Mutex
}

func NewOrderBook(venue string, symbol *MarketSymbol) *OrderBook {
	return &OrderBook{
		Venue:  venue,
		Symbol: symbol,
		bids:   NewBidSide(),
		asks:   NewAskSide(),
		status: BookStatus_Ok,
	}
}

// LoadSnapshot replaces both sides wholesale and resets the sequence.
func (ob *OrderBook) LoadSnapshot(snap *BookSnapshot) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids.Load(snap.Bids)
	ob.asks.Load(snap.Asks)
	ob.sequence = snap.Sequence
	ob.updatedAt = time.Now()
	ob.status = BookStatus_Ok
}

// Apply mutates the book with the batch's ops in order and advances the
// sequence. Sequencing checks belong to the caller.
func (ob *OrderBook) Apply(batch *DeltaBatch) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	for _, op := range batch.Ops {
		side := ob.asks
		if op.Side == Bid {
			side = ob.bids
		}
		if op.Delete || op.Size.IsZero() {
			side.Delete(op.Price)
		} else {
			side.Upsert(op.Price, op.Size)
		}
	}
	ob.sequence = batch.Sequence
	ob.updatedAt = time.Now()
}

func (ob *OrderBook) Sequence() int64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.sequence
}

func (ob *OrderBook) Status() BookStatus {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.status
}

// MarkStale flags the book as unusable until the next snapshot load.
func (ob *OrderBook) MarkStale() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.status = BookStatus_Stale
}

// Snapshot returns an immutable clone with at most maxDepth levels per side,
// closest to mid first. maxDepth <= 0 means unlimited.
func (ob *OrderBook) Snapshot(maxDepth int) *BookSnapshot {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	return &BookSnapshot{
		Venue:    ob.Venue,
		Symbol:   ob.Symbol,
		Sequence: ob.sequence,
		Bids:     ob.bids.Clone(maxDepth),
		Asks:     ob.asks.Clone(maxDepth),
		At:       ob.updatedAt,
	}
}
