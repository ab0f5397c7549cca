package domain

import "errors"

var (
	// ErrUnknownFrame marks a frame the venue adapter does not recognize.
	// It is a protocol warning: the frame is logged and dropped, the
	// connection survives.
	ErrUnknownFrame = errors.New("unrecognized frame shape")

	// ErrSubscriptionTimeout rejects a subscribe/unsubscribe future when no
	// acknowledgement arrives before the deadline.
	ErrSubscriptionTimeout = errors.New("no ack received before deadline")

	// ErrSequenceGapExceeded is returned by the sequencer when the
	// out-of-order buffer overflows and the book must be rebuilt from a
	// fresh snapshot.
	ErrSequenceGapExceeded = errors.New("sequence gap exceeded buffer capacity")

	// ErrSnapshotFetchFailed wraps a failed resync attempt.
	ErrSnapshotFetchFailed = errors.New("order book snapshot fetch failed")

	// ErrConnectionLost rejects pending futures on an unexpected disconnect.
	// The connection reconnects and resubscribes on its own.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed rejects pending futures on explicit teardown.
	ErrConnectionClosed = errors.New("connection closed")

	ErrBookNotFound  = errors.New("order book not found")
	ErrVenueNotFound = errors.New("venue not found")

	// ErrVenueAlreadyRegistered guards the one-connection-per-venue rule:
	// a second connection would subscribe the venue's channels twice.
	ErrVenueAlreadyRegistered = errors.New("venue already registered")
)
