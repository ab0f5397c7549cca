package domain

import (
	"context"
	"time"
)

// HeartbeatPolicy describes how a venue keeps a connection alive. Venues with
// an application-level ping return the frame to send; a nil IdlePing means the
// transport's own ping control frame is used.
type HeartbeatPolicy struct {
	Interval time.Duration
	PongWait time.Duration
	IdlePing func() []byte
}

// VenueAdapter translates one venue's dialect into the canonical message set
// and canonical requests into venue frames. Implementations are owned by a
// single connection and are only called from its consumer loop, so they may
// keep unsynchronized state (e.g. topic-to-symbol maps filled on encode).
type VenueAdapter interface {
	Venue() string

	// Endpoint resolves the websocket URL to dial. Some venues require a
	// REST round-trip for a connection token.
	Endpoint() (string, error)

	// Decode translates a raw frame. A nil message with a nil error means
	// the frame is irrelevant to the engine (transport pongs and the like).
	// ErrUnknownFrame-wrapped errors are protocol warnings, never fatal.
	Decode(raw []byte) (*Message, error)

	// EncodeSubscribe returns the outgoing frame and the correlation token
	// its acknowledgement will carry.
	EncodeSubscribe(event EventType, symbol *MarketSymbol, params map[string]any) (frame []byte, token string, err error)

	EncodeUnsubscribe(event EventType, symbol *MarketSymbol, channelID string) (frame []byte, token string, err error)

	HeartbeatPolicy() HeartbeatPolicy
}

// SnapshotFetcher is the REST boundary used by the resync path. It is never
// called from a connection's frame-consumption loop.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol *MarketSymbol, depth int) (*BookSnapshot, error)
}

// UpdateHandler receives engine emissions: a *BookSnapshot clone for orderbook
// events, a *Trade for trade events. Called synchronously from the owning
// connection's consumer loop, once per applied snapshot/delta/trade.
type UpdateHandler func(event EventType, symbol *MarketSymbol, payload any)
