package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booksync/domain"
)

// fakeTransport is an in-memory socket: the test feeds inbound frames through
// in and observes outbound frames on out. Close makes the read pump fail the
// way a dropped websocket would.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	onPong func()
	pings  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errors.New("use of closed transport")
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		return errors.New("use of closed transport")
	}
}

// Ping answers with an immediate pong, the way a healthy venue would.
func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	t.pings++
	fn := t.onPong
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (t *fakeTransport) SetPongHandler(fn func()) {
	t.mu.Lock()
	t.onPong = fn
	t.mu.Unlock()
}

func (t *fakeTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// fakeDialer hands out the prepared transports in order, one per dial.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      int
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.transports) {
		return nil, errors.New("no transport prepared")
	}
	t := d.transports[d.dials]
	d.dials++
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeFrame struct {
	Op      string     `json:"op,omitempty"`
	Channel string     `json:"channel,omitempty"`
	Kind    string     `json:"kind,omitempty"`
	Token   string     `json:"token,omitempty"`
	Symbol  string     `json:"symbol,omitempty"`
	First   int64      `json:"first,omitempty"`
	Seq     int64      `json:"seq,omitempty"`
	Bids    [][]string `json:"bids,omitempty"`
	Asks    [][]string `json:"asks,omitempty"`
	Price   string     `json:"price,omitempty"`
	Size    string     `json:"size,omitempty"`
}

// fakeAdapter speaks a minimal JSON dialect with exact-successor sequences.
type fakeAdapter struct {
	tokens int
	hb     domain.HeartbeatPolicy
}

func (a *fakeAdapter) Venue() string             { return "fakex" }
func (a *fakeAdapter) Endpoint() (string, error) { return "ws://fakex.test/stream", nil }

func (a *fakeAdapter) HeartbeatPolicy() domain.HeartbeatPolicy {
	if a.hb.Interval > 0 {
		return a.hb
	}
	return domain.HeartbeatPolicy{Interval: time.Hour, PongWait: time.Hour}
}

func (a *fakeAdapter) EncodeSubscribe(event domain.EventType, symbol *domain.MarketSymbol, params map[string]any) ([]byte, string, error) {
	a.tokens++
	token := fmt.Sprintf("tok-%d", a.tokens)
	frame, err := json.Marshal(fakeFrame{Op: "subscribe", Channel: string(event) + ":" + symbol.String(), Token: token})
	return frame, token, err
}

func (a *fakeAdapter) EncodeUnsubscribe(event domain.EventType, symbol *domain.MarketSymbol, channelID string) ([]byte, string, error) {
	a.tokens++
	token := fmt.Sprintf("tok-%d", a.tokens)
	frame, err := json.Marshal(fakeFrame{Op: "unsubscribe", Channel: string(event) + ":" + symbol.String(), Token: token})
	return frame, token, err
}

func (a *fakeAdapter) Decode(raw []byte) (*domain.Message, error) {
	var f fakeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnknownFrame, err)
	}

	switch f.Kind {
	case "hb":
		return &domain.Message{Kind: domain.KindHeartbeat}, nil

	case "ack":
		return &domain.Message{Kind: domain.KindSubscribeAck, Token: f.Token}, nil

	case "err":
		return &domain.Message{
			Kind:  domain.KindError,
			Token: f.Token,
			Err:   errors.New("fakex: request rejected"),
		}, nil

	case "delta":
		symbol, err := domain.NewMarketSymbolFromString(f.Symbol)
		if err != nil {
			return nil, err
		}
		bids, err := domain.ParseOps(f.Bids, domain.Bid)
		if err != nil {
			return nil, err
		}
		asks, err := domain.ParseOps(f.Asks, domain.Ask)
		if err != nil {
			return nil, err
		}
		return &domain.Message{
			Kind:   domain.KindDelta,
			Event:  domain.EventOrderBook,
			Symbol: symbol,
			Delta: &domain.DeltaBatch{
				Symbol:   symbol,
				First:    f.First,
				Sequence: f.Seq,
				Ops:      append(bids, asks...),
			},
		}, nil

	case "trade":
		symbol, err := domain.NewMarketSymbolFromString(f.Symbol)
		if err != nil {
			return nil, err
		}
		return &domain.Message{
			Kind:   domain.KindTrade,
			Event:  domain.EventTrade,
			Symbol: symbol,
			Trade: &domain.Trade{
				Venue:  a.Venue(),
				Symbol: symbol,
				Price:  decimal.RequireFromString(f.Price),
				Size:   decimal.RequireFromString(f.Size),
			},
		}, nil
	}

	return nil, fmt.Errorf("%w: kind %q", domain.ErrUnknownFrame, f.Kind)
}

// fakeFetcher serves a fixed snapshot per fetch, bumping the sequence so tests
// can tell successive syncs apart.
type fakeFetcher struct {
	mu  sync.Mutex
	seq int64
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, symbol *domain.MarketSymbol, depth int) (*domain.BookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.BookSnapshot{
		Venue:    "fakex",
		Symbol:   symbol,
		Sequence: f.seq,
		Bids:     []domain.PriceLevel{{Price: decimal.RequireFromString("10000"), Size: decimal.RequireFromString("1")}},
		Asks:     []domain.PriceLevel{{Price: decimal.RequireFromString("10100"), Size: decimal.RequireFromString("2")}},
	}, nil
}

type emission struct {
	event   domain.EventType
	symbol  *domain.MarketSymbol
	payload any
}

type connFixture struct {
	conn    *Connection
	adapter *fakeAdapter
	dialer  *fakeDialer
	fetcher *fakeFetcher
	updates chan emission
	symbol  *domain.MarketSymbol
}

func newConnFixture(t *testing.T, cfg Config, transports ...*fakeTransport) *connFixture {
	t.Helper()

	symbol, err := domain.NewMarketSymbolFromString("btc_usdt")
	require.NoError(t, err)

	fx := &connFixture{
		adapter: &fakeAdapter{},
		dialer:  &fakeDialer{transports: transports},
		fetcher: &fakeFetcher{seq: 100},
		updates: make(chan emission, 64),
		symbol:  symbol,
	}
	handler := func(event domain.EventType, sym *domain.MarketSymbol, payload any) {
		fx.updates <- emission{event: event, symbol: sym, payload: payload}
	}
	fx.conn = New(fx.adapter, fx.fetcher, handler, cfg, WithDialer(fx.dialer))
	t.Cleanup(func() { _ = fx.conn.Close() })
	return fx
}

func fastConfig() Config {
	return Config{
		SubscribeTimeout: time.Second,
		ReconnectMin:     10 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		SnapshotRPS:      100,
	}
}

func recvFrame(t *testing.T, tr *fakeTransport) fakeFrame {
	t.Helper()
	select {
	case data := <-tr.out:
		var f fakeFrame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written to transport")
		return fakeFrame{}
	}
}

func recvUpdate(t *testing.T, fx *connFixture) emission {
	t.Helper()
	select {
	case e := <-fx.updates:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no update emitted")
		return emission{}
	}
}

func sendFrame(t *testing.T, tr *fakeTransport, f fakeFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	select {
	case tr.in <- data:
	case <-time.After(time.Second):
		t.Fatal("transport inbound queue stuck")
	}
}

func TestConnectionSubscribeSyncAndEmit(t *testing.T) {
	tr := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr)
	require.NoError(t, fx.conn.Open(context.Background()))

	future, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	require.NoError(t, err)

	req := recvFrame(t, tr)
	assert.Equal(t, "subscribe", req.Op)
	assert.Equal(t, "orderbook:btc_usdt", req.Channel)
	require.NotEmpty(t, req.Token)

	sendFrame(t, tr, fakeFrame{Kind: "ack", Token: req.Token})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, future.Wait(ctx))

	// the ack triggers the initial snapshot fetch; its application emits
	e := recvUpdate(t, fx)
	assert.Equal(t, domain.EventOrderBook, e.event)
	book := e.payload.(*domain.BookSnapshot)
	assert.Equal(t, int64(100), book.Sequence)
	assert.Equal(t, "10000", book.Bids[0].Price.String())

	// a contiguous delta advances the book and emits again
	sendFrame(t, tr, fakeFrame{Kind: "delta", Symbol: "btc_usdt", Seq: 101, Bids: [][]string{{"9950", "3"}}})
	e = recvUpdate(t, fx)
	book = e.payload.(*domain.BookSnapshot)
	assert.Equal(t, int64(101), book.Sequence)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, "9950", book.Bids[1].Price.String())
}

func TestConnectionDuplicateSubscribeSharesFuture(t *testing.T) {
	tr := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr)
	require.NoError(t, fx.conn.Open(context.Background()))

	first, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	require.NoError(t, err)
	recvFrame(t, tr)

	second, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	require.NoError(t, err)
	assert.Same(t, first, second, "duplicate subscribe returns the pending future")

	select {
	case <-tr.out:
		t.Fatal("duplicate subscribe must not write a second frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionSubscribeTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.SubscribeTimeout = 50 * time.Millisecond

	tr := newFakeTransport()
	fx := newConnFixture(t, cfg, tr)
	require.NoError(t, fx.conn.Open(context.Background()))

	future, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	require.NoError(t, err)
	recvFrame(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, future.Wait(ctx), domain.ErrSubscriptionTimeout)
}

func TestConnectionTradeFrames(t *testing.T) {
	tr := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr)
	require.NoError(t, fx.conn.Open(context.Background()))

	future, err := fx.conn.Subscribe(domain.EventTrade, fx.symbol, nil)
	require.NoError(t, err)
	req := recvFrame(t, tr)
	sendFrame(t, tr, fakeFrame{Kind: "ack", Token: req.Token})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, future.Wait(ctx))

	sendFrame(t, tr, fakeFrame{Kind: "trade", Symbol: "btc_usdt", Price: "10050", Size: "0.5"})
	e := recvUpdate(t, fx)
	assert.Equal(t, domain.EventTrade, e.event)
	trade := e.payload.(*domain.Trade)
	assert.Equal(t, "10050", trade.Price.String())
}

func TestConnectionMalformedFramesAreDropped(t *testing.T) {
	tr := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr)
	require.NoError(t, fx.conn.Open(context.Background()))

	tr.in <- []byte("not json at all")
	sendFrame(t, tr, fakeFrame{Kind: "mystery"})

	// the stream keeps working after garbage
	future, err := fx.conn.Subscribe(domain.EventTrade, fx.symbol, nil)
	require.NoError(t, err)
	req := recvFrame(t, tr)
	sendFrame(t, tr, fakeFrame{Kind: "ack", Token: req.Token})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, future.Wait(ctx))
}

func TestConnectionReconnectReplaysSubscriptions(t *testing.T) {
	tr1 := newFakeTransport()
	tr2 := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr1, tr2)
	require.NoError(t, fx.conn.Open(context.Background()))

	ethSymbol, err := domain.NewMarketSymbolFromString("eth_usdt")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// establish two channels in a known order
	for _, symbol := range []*domain.MarketSymbol{fx.symbol, ethSymbol} {
		future, err := fx.conn.Subscribe(domain.EventOrderBook, symbol, nil)
		require.NoError(t, err)
		req := recvFrame(t, tr1)
		sendFrame(t, tr1, fakeFrame{Kind: "ack", Token: req.Token})
		require.NoError(t, future.Wait(ctx))
		recvUpdate(t, fx) // initial sync emission
	}

	// the venue drops the socket
	_ = tr1.Close()

	// both channels are re-requested on the new transport, original order
	first := recvFrame(t, tr2)
	assert.Equal(t, "orderbook:btc_usdt", first.Channel)
	second := recvFrame(t, tr2)
	assert.Equal(t, "orderbook:eth_usdt", second.Channel)

	// ack one and the book syncs from a fresh snapshot
	fx.fetcher.mu.Lock()
	fx.fetcher.seq = 200
	fx.fetcher.mu.Unlock()
	sendFrame(t, tr2, fakeFrame{Kind: "ack", Token: first.Token})

	e := recvUpdate(t, fx)
	book := e.payload.(*domain.BookSnapshot)
	assert.Equal(t, int64(200), book.Sequence, "book rebuilt from a post-reconnect snapshot")
}

func TestConnectionCloseAfterFailedOpen(t *testing.T) {
	fx := newConnFixture(t, fastConfig()) // dialer with no transports
	require.Error(t, fx.conn.Open(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = fx.conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after a failed dial")
	}

	_, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestConnectionSubscribeBeforeOpen(t *testing.T) {
	fx := newConnFixture(t, fastConfig(), newFakeTransport())

	_, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	assert.ErrorIs(t, err, domain.ErrConnectionLost, "commands before Open must not block")
}

func TestConnectionQuietStreamSurvivesOnPongs(t *testing.T) {
	tr := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr)
	fx.adapter.hb = domain.HeartbeatPolicy{Interval: 40 * time.Millisecond, PongWait: 40 * time.Millisecond}
	require.NoError(t, fx.conn.Open(context.Background()))

	// several heartbeat intervals with no data frames at all
	time.Sleep(300 * time.Millisecond)

	assert.Greater(t, tr.pingCount(), 1, "the loop keeps probing the idle stream")
	assert.Equal(t, 1, fx.dialer.dialCount(), "a quiet stream answering pings must not be redialed")
	assert.Equal(t, State_Open, fx.conn.State())
}

func TestConnectionStaleResyncResultIgnored(t *testing.T) {
	fx := newConnFixture(t, fastConfig(), newFakeTransport())
	c := fx.conn
	c.setState(State_Open)

	seq := c.sequencerFor(fx.symbol)
	seq.MarkResyncing()

	fresh := &domain.BookSnapshot{
		Venue:    "fakex",
		Symbol:   fx.symbol,
		Sequence: 200,
		Bids:     []domain.PriceLevel{{Price: decimal.RequireFromString("10000"), Size: decimal.RequireFromString("1")}},
	}
	c.handleResyncResult(resyncResult{symbol: fx.symbol, snapshot: fresh})
	require.Equal(t, domain.SequencerState_Synced, seq.State())
	require.Equal(t, int64(200), seq.LastApplied())

	// a second fetch that was still in flight when the first one settled
	stale := &domain.BookSnapshot{Venue: "fakex", Symbol: fx.symbol, Sequence: 150}
	c.handleResyncResult(resyncResult{symbol: fx.symbol, snapshot: stale})
	assert.Equal(t, int64(200), seq.LastApplied(), "an outdated fetch must not rewind the book")
}

func TestConnectionVenueRejectsSubscribe(t *testing.T) {
	tr := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr)
	require.NoError(t, fx.conn.Open(context.Background()))

	future, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	require.NoError(t, err)
	req := recvFrame(t, tr)

	sendFrame(t, tr, fakeFrame{Kind: "err", Token: req.Token})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = future.Wait(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSubscriptionTimeout, "the venue's rejection settles the future, not the deadline")

	// the channel can be requested again afterwards
	_, err = fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	require.NoError(t, err)
	again := recvFrame(t, tr)
	assert.NotEqual(t, req.Token, again.Token)
}

func TestConnectionCloseRejectsPending(t *testing.T) {
	tr := newFakeTransport()
	fx := newConnFixture(t, fastConfig(), tr)
	require.NoError(t, fx.conn.Open(context.Background()))

	future, err := fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	require.NoError(t, err)
	recvFrame(t, tr)

	require.NoError(t, fx.conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, future.Wait(ctx), domain.ErrConnectionClosed)

	_, err = fx.conn.Subscribe(domain.EventOrderBook, fx.symbol, nil)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	assert.Equal(t, State_Disconnected, fx.conn.State())
}
