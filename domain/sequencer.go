package domain

import (
	"github.com/gammazero/deque"
)

type SequencerState string

const (
	SequencerState_AwaitingSnapshot SequencerState = "AwaitingSnapshot"
	SequencerState_Synced           SequencerState = "Synced"
	SequencerState_Buffering        SequencerState = "Buffering"
	SequencerState_Resyncing        SequencerState = "Resyncing"
)

const DefaultBufferCap = 10

// DeltaSequencer feeds snapshots and delta batches into one symbol's book in
// strict sequence order. Out-of-order batches are parked in a bounded queue;
// overflowing it demands a resync, reported to the caller exactly once via
// ErrSequenceGapExceeded. Batches at or below the applied sequence are
// duplicates and are dropped, so replayed frames are harmless.
type DeltaSequencer struct {
	book        *OrderBook
	state       SequencerState
	lastApplied int64

	buffer    deque.Deque[*DeltaBatch]
	bufferCap int
}

func NewDeltaSequencer(book *OrderBook, bufferCap int) *DeltaSequencer {
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	return &DeltaSequencer{
		book:      book,
		state:     SequencerState_AwaitingSnapshot,
		bufferCap: bufferCap,
	}
}

func (s *DeltaSequencer) State() SequencerState { return s.state }
func (s *DeltaSequencer) LastApplied() int64    { return s.lastApplied }
func (s *DeltaSequencer) Book() *OrderBook      { return s.book }

// ApplySnapshot loads a fresh full snapshot, drops buffered batches the
// snapshot already covers and drains whatever contiguous tail remains.
func (s *DeltaSequencer) ApplySnapshot(snap *BookSnapshot) {
	s.book.LoadSnapshot(snap)
	s.lastApplied = snap.Sequence
	s.state = SequencerState_Synced
	s.drain()
	if s.buffer.Len() > 0 {
		s.state = SequencerState_Buffering
	}
}

// ApplyDelta feeds one batch. It reports whether the book advanced (the
// caller emits a clone when it did) and ErrSequenceGapExceeded exactly once
// when the buffer cap is exceeded and a resync must be scheduled.
func (s *DeltaSequencer) ApplyDelta(batch *DeltaBatch) (applied bool, err error) {
	switch s.state {
	case SequencerState_AwaitingSnapshot, SequencerState_Resyncing:
		// A snapshot is already on its way; park the batch for the drain
		// that follows it.
		s.bufferBatch(batch)
		s.trimOverflow()
		return false, nil

	case SequencerState_Synced:
		if batch.Sequence <= s.lastApplied {
			return false, nil
		}
		if batch.Covers(s.lastApplied) {
			s.book.Apply(batch)
			s.lastApplied = batch.Sequence
			return true, nil
		}
		s.bufferBatch(batch)
		s.state = SequencerState_Buffering
		return false, s.checkOverflow()

	case SequencerState_Buffering:
		if batch.Sequence <= s.lastApplied {
			return false, nil
		}
		if batch.Covers(s.lastApplied) {
			s.book.Apply(batch)
			s.lastApplied = batch.Sequence
			applied = true
		} else {
			s.bufferBatch(batch)
		}
		if s.drain() {
			applied = true
		}
		if s.buffer.Len() == 0 {
			s.state = SequencerState_Synced
			return applied, nil
		}
		return applied, s.checkOverflow()
	}

	return false, nil
}

// MarkResyncing is called when the owning connection schedules a snapshot
// fetch itself (initial sync after a subscribe ack, or after a reconnect).
func (s *DeltaSequencer) MarkResyncing() {
	s.state = SequencerState_Resyncing
}

// Reset discards all buffered batches and waits for a snapshot. Used when the
// connection drops and stream continuity is gone.
func (s *DeltaSequencer) Reset() {
	s.buffer.Clear()
	s.lastApplied = 0
	s.state = SequencerState_AwaitingSnapshot
	s.book.MarkStale()
}

// bufferBatch inserts keeping the queue ascending by sequence; a batch with
// an already-buffered sequence is a duplicate and is dropped.
func (s *DeltaSequencer) bufferBatch(batch *DeltaBatch) {
	i := s.buffer.Len()
	for i > 0 {
		prev := s.buffer.At(i - 1)
		if prev.Sequence == batch.Sequence {
			return
		}
		if prev.Sequence < batch.Sequence {
			break
		}
		i--
	}
	s.buffer.Insert(i, batch)
}

// drain applies buffered batches in ascending order while contiguous.
func (s *DeltaSequencer) drain() bool {
	applied := false
	for s.buffer.Len() > 0 {
		next := s.buffer.Front()
		if next.Sequence <= s.lastApplied {
			s.buffer.PopFront()
			continue
		}
		if !next.Covers(s.lastApplied) {
			break
		}
		s.buffer.PopFront()
		s.book.Apply(next)
		s.lastApplied = next.Sequence
		applied = true
	}
	return applied
}

// checkOverflow transitions to Resyncing when the buffer cap is exceeded.
// The error fires once; while resyncing the buffer is only trimmed.
func (s *DeltaSequencer) checkOverflow() error {
	if s.buffer.Len() <= s.bufferCap {
		return nil
	}
	s.state = SequencerState_Resyncing
	return ErrSequenceGapExceeded
}

func (s *DeltaSequencer) trimOverflow() {
	for s.buffer.Len() > s.bufferCap {
		s.buffer.PopFront()
	}
}
