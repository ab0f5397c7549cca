package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"booksync/domain"
	promclient "booksync/infrastructure/prometheus"
	"booksync/logger"
)

type State string

const (
	State_Disconnected State = "Disconnected"
	State_Connecting   State = "Connecting"
	State_Open         State = "Open"
	// Private-channel handshake states. Authentication itself lives behind
	// the REST boundary; a venue adapter that needs it decodes the auth
	// exchange like any other frames.
	State_Authenticating State = "Authenticating"
	State_Authenticated  State = "Authenticated"
	State_Closing        State = "Closing"
)

type Config struct {
	SubscribeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	BufferCap        int
	EmitDepth        int
	FetchDepth       int
	ResyncWorkers    int
	SnapshotRPS      float64
}

func (c Config) withDefaults() Config {
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.BufferCap <= 0 {
		c.BufferCap = domain.DefaultBufferCap
	}
	if c.FetchDepth <= 0 {
		c.FetchDepth = 1000
	}
	return c
}

// Connection owns one venue stream: the transport, the subscription registry
// and every per-symbol sequencer multiplexed on it. A single consumer
// goroutine processes inbound frames, command requests, resync completions
// and timers, so per-symbol ordering holds without locks.
type Connection struct {
	id      string
	adapter domain.VenueAdapter
	dialer  Dialer
	cfg     Config
	log     *logrus.Entry

	registry *SubscriptionRegistry
	resync   *resyncPool
	onUpdate domain.UpdateHandler
	onBook   func(*domain.OrderBook)

	// loop-owned
	transport    Transport
	sequencers   map[string]*domain.DeltaSequencer
	lastActivity time.Time
	gen          int

	commands chan *command
	frames   chan frameEvent

	closing   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	startMu sync.Mutex
	started bool

	stateMu sync.Mutex
	state   State
}

type frameEvent struct {
	gen  int
	data []byte
	err  error
	pong bool // transport-level pong, counts as activity only
}

type cmdKind int

const (
	cmdSubscribe cmdKind = iota
	cmdUnsubscribe
)

type command struct {
	kind   cmdKind
	event  domain.EventType
	symbol *domain.MarketSymbol
	params map[string]any
	reply  chan cmdReply
}

type cmdReply struct {
	future *domain.AckFuture
	err    error
}

type Option func(*Connection)

// WithDialer substitutes the transport dialer; tests use an in-memory one.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithBookSink registers a callback invoked when a symbol's book is created,
// so a storage layer can index it.
func WithBookSink(sink func(*domain.OrderBook)) Option {
	return func(c *Connection) { c.onBook = sink }
}

func New(adapter domain.VenueAdapter, fetcher domain.SnapshotFetcher, handler domain.UpdateHandler, cfg Config, opts ...Option) *Connection {
	cfg = cfg.withDefaults()
	log := logger.WithComponent("conn").WithField("venue", adapter.Venue())

	c := &Connection{
		id:         uuid.NewString(),
		adapter:    adapter,
		dialer:     NewWSDialer(),
		cfg:        cfg,
		log:        log,
		registry:   NewSubscriptionRegistry(cfg.SubscribeTimeout),
		onUpdate:   handler,
		sequencers: make(map[string]*domain.DeltaSequencer),
		commands:   make(chan *command),
		frames:     make(chan frameEvent, 256),
		closing:    make(chan struct{}),
		closed:     make(chan struct{}),
		state:      State_Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resync = newResyncPool(fetcher, cfg.ResyncWorkers, cfg.SnapshotRPS, cfg.FetchDepth, log)
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()

	if s == State_Open {
		promclient.ConnectionUpGauge.WithLabelValues(c.adapter.Venue()).Set(1)
	} else {
		promclient.ConnectionUpGauge.WithLabelValues(c.adapter.Venue()).Set(0)
	}
}

// Open dials the venue and starts the consumer loop. The first dial is
// synchronous so the caller learns about an unreachable venue immediately;
// later reconnects happen inside the loop with backoff.
func (c *Connection) Open(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	select {
	case <-c.closing:
		return domain.ErrConnectionClosed
	default:
	}

	c.setState(State_Connecting)
	endpoint, err := c.adapter.Endpoint()
	if err != nil {
		c.setState(State_Disconnected)
		return fmt.Errorf("resolving %s endpoint: %w", c.adapter.Venue(), err)
	}
	t, err := c.dialer.Dial(ctx, endpoint)
	if err != nil {
		c.setState(State_Disconnected)
		return fmt.Errorf("dialing %s: %w", c.adapter.Venue(), err)
	}

	c.transport = t
	c.lastActivity = time.Now()
	c.installPongHandler(t)
	c.setState(State_Open)
	c.log.Infof("connected to %s", endpoint)

	c.started = true
	go c.readPump(t, c.gen)
	go c.run()
	return nil
}

// Subscribe requests an (event, symbol) channel and returns the future that
// resolves on the venue's ack. Subscribing an already-active channel returns
// the existing future.
func (c *Connection) Subscribe(event domain.EventType, symbol *domain.MarketSymbol, params map[string]any) (*domain.AckFuture, error) {
	return c.send(&command{kind: cmdSubscribe, event: event, symbol: symbol, params: params})
}

func (c *Connection) Unsubscribe(event domain.EventType, symbol *domain.MarketSymbol) (*domain.AckFuture, error) {
	return c.send(&command{kind: cmdUnsubscribe, event: event, symbol: symbol})
}

func (c *Connection) send(cmd *command) (*domain.AckFuture, error) {
	select {
	case <-c.closed:
		return nil, domain.ErrConnectionClosed
	default:
	}
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if !started {
		// no consumer loop yet, nobody would answer the command
		return nil, domain.ErrConnectionLost
	}

	cmd.reply = make(chan cmdReply, 1)
	select {
	case c.commands <- cmd:
	case <-c.closed:
		return nil, domain.ErrConnectionClosed
	}
	select {
	case rep := <-cmd.reply:
		return rep.future, rep.err
	case <-c.closed:
		return nil, domain.ErrConnectionClosed
	}
}

// Close tears the connection down: pending futures reject with
// ErrConnectionClosed, timers stop, and no callback fires after it returns.
// Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		// if the consumer loop never started there is nobody to close
		// the closed channel for us
		c.startMu.Lock()
		if !c.started {
			close(c.closed)
		}
		c.startMu.Unlock()
	})
	<-c.closed
	c.resync.stop()
	return nil
}

func (c *Connection) run() {
	defer close(c.closed)

	policy := c.adapter.HeartbeatPolicy()
	hbInterval := policy.Interval
	if hbInterval <= 0 {
		hbInterval = 30 * time.Second
	}
	heartbeat := time.NewTicker(hbInterval)
	defer heartbeat.Stop()

	ackTimer := time.NewTimer(time.Hour)
	if !ackTimer.Stop() {
		<-ackTimer.C
	}
	defer ackTimer.Stop()

	bo := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Jitter: true, Factor: 2}
	var reconnectCh <-chan time.Time
	var replay []ReplayEntry

	for {
		select {
		case <-c.closing:
			c.teardown()
			return

		case cmd := <-c.commands:
			c.handleCommand(cmd)

		case fe := <-c.frames:
			if fe.gen != c.gen {
				break // frame from a transport already replaced
			}
			if fe.pong {
				c.lastActivity = time.Now()
				break
			}
			if fe.err != nil {
				replay = c.disconnect(domain.ErrConnectionLost)
				reconnectCh = time.After(bo.Duration())
				break
			}
			c.handleFrame(fe.data)

		case res := <-c.resync.results:
			c.handleResyncResult(res)

		case <-heartbeat.C:
			if c.State() != State_Open {
				break
			}
			if time.Since(c.lastActivity) > hbInterval+policy.PongWait {
				c.log.Warn("heartbeat deadline missed, forcing reconnect")
				replay = c.disconnect(domain.ErrConnectionLost)
				reconnectCh = time.After(bo.Duration())
				break
			}
			c.sendPing(policy)

		case now := <-ackTimer.C:
			for _, sub := range c.registry.Expire(now) {
				c.log.WithField("channel", sub.Key()).Warnf("%s", domain.ErrSubscriptionTimeout)
			}

		case <-reconnectCh:
			reconnectCh = nil
			if err := c.redial(); err != nil {
				c.log.WithError(err).Warn("reconnect failed")
				reconnectCh = time.After(bo.Duration())
				break
			}
			bo.Reset()
			c.resubscribe(replay)
			replay = nil
		}

		c.rearmAckTimer(ackTimer)
	}
}

// installPongHandler feeds transport-level pongs back into the consumer loop
// as activity, so a healthy but quiet stream is not mistaken for a dead one.
func (c *Connection) installPongHandler(t Transport) {
	gen := c.gen
	t.SetPongHandler(func() {
		select {
		case c.frames <- frameEvent{gen: gen, pong: true}:
		default:
		}
	})
}

func (c *Connection) readPump(t Transport, gen int) {
	for {
		data, err := t.ReadMessage()
		select {
		case c.frames <- frameEvent{gen: gen, data: data, err: err}:
		case <-c.closing:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) handleCommand(cmd *command) {
	switch cmd.kind {
	case cmdSubscribe:
		cmd.reply <- c.handleSubscribe(cmd)
	case cmdUnsubscribe:
		cmd.reply <- c.handleUnsubscribe(cmd)
	}
}

func (c *Connection) handleSubscribe(cmd *command) cmdReply {
	if c.State() != State_Open {
		return cmdReply{err: domain.ErrConnectionLost}
	}

	sub, created := c.registry.Subscribe(cmd.event, cmd.symbol, cmd.params)
	if !created {
		return cmdReply{future: sub.Future}
	}

	frame, token, err := c.adapter.EncodeSubscribe(cmd.event, cmd.symbol, cmd.params)
	if err != nil {
		c.registry.CloseSub(sub)
		return cmdReply{err: err}
	}
	if err := c.transport.WriteMessage(frame); err != nil {
		sub.Future.Reject(domain.ErrConnectionLost)
		return cmdReply{err: fmt.Errorf("writing subscribe frame: %w", err)}
	}
	c.registry.TrackPending(sub, token, false, time.Now())
	return cmdReply{future: sub.Future}
}

func (c *Connection) handleUnsubscribe(cmd *command) cmdReply {
	if c.State() != State_Open {
		return cmdReply{err: domain.ErrConnectionLost}
	}

	sub := c.registry.Unsubscribe(cmd.event, cmd.symbol)
	if sub == nil {
		return cmdReply{err: fmt.Errorf("%s %s: not subscribed", cmd.event, cmd.symbol)}
	}

	frame, token, err := c.adapter.EncodeUnsubscribe(cmd.event, cmd.symbol, sub.ChannelID)
	if err != nil {
		return cmdReply{err: err}
	}
	if err := c.transport.WriteMessage(frame); err != nil {
		sub.Future.Reject(domain.ErrConnectionLost)
		return cmdReply{err: fmt.Errorf("writing unsubscribe frame: %w", err)}
	}
	c.registry.TrackPending(sub, token, true, time.Now())
	return cmdReply{future: sub.Future}
}

func (c *Connection) handleFrame(data []byte) {
	c.lastActivity = time.Now()

	msg, err := c.adapter.Decode(data)
	if err != nil {
		promclient.DroppedFrameCounter.WithLabelValues(c.adapter.Venue()).Inc()
		c.log.WithError(err).Debug("protocol warning, frame dropped")
		return
	}
	if msg == nil {
		return
	}

	switch msg.Kind {
	case domain.KindHeartbeat:
		// activity already recorded

	case domain.KindSubscribeAck, domain.KindUnsubscribeAck:
		c.handleAck(msg)

	case domain.KindSnapshot:
		seq := c.sequencerFor(msg.Symbol)
		seq.ApplySnapshot(msg.Snapshot)
		c.emitBook(seq)

	case domain.KindDelta:
		seq := c.sequencerFor(msg.Symbol)
		applied, err := seq.ApplyDelta(msg.Delta)
		if errors.Is(err, domain.ErrSequenceGapExceeded) {
			c.scheduleResync(msg.Symbol)
		}
		if applied {
			c.emitBook(seq)
		}

	case domain.KindTrade:
		if c.onUpdate != nil {
			c.onUpdate(domain.EventTrade, msg.Symbol, msg.Trade)
		}

	case domain.KindError:
		if msg.Token != "" {
			if sub := c.registry.RejectPending(msg.Token, msg.Err); sub != nil {
				c.log.WithField("channel", sub.Key()).
					WithError(msg.Err).Warn("venue rejected the request")
				return
			}
		}
		c.log.WithError(msg.Err).Warn("venue reported an error")
	}
}

func (c *Connection) handleAck(msg *domain.Message) {
	sub := c.registry.HandleAck(msg.Token, msg.ChannelID)
	if sub == nil {
		c.log.WithField("token", msg.Token).Debug("ack for unknown or expired token, ignored")
		return
	}

	if sub.State == domain.SubscriptionState_Active && sub.Event == domain.EventOrderBook {
		// The stream is live; build the book from a REST snapshot while
		// deltas accumulate in the sequencer buffer.
		seq := c.sequencerFor(sub.Symbol)
		seq.MarkResyncing()
		c.resync.enqueue(sub.Symbol)
		return
	}

	if sub.State == domain.SubscriptionState_Closed && sub.Event == domain.EventOrderBook {
		c.dropSequencer(sub.Symbol)
	}
}

func (c *Connection) handleResyncResult(res resyncResult) {
	seq, ok := c.sequencers[res.symbol.String()]
	if !ok {
		return // unsubscribed while the fetch was in flight
	}
	if c.State() != State_Open {
		return // stream continuity is gone, a new fetch follows the reconnect
	}
	if seq.State() != domain.SequencerState_Resyncing {
		return // a newer sync already settled this symbol
	}
	seq.ApplySnapshot(res.snapshot)
	c.emitBook(seq)
}

func (c *Connection) sequencerFor(symbol *domain.MarketSymbol) *domain.DeltaSequencer {
	key := symbol.String()
	if seq, ok := c.sequencers[key]; ok {
		return seq
	}
	book := domain.NewOrderBook(c.adapter.Venue(), symbol)
	seq := domain.NewDeltaSequencer(book, c.cfg.BufferCap)
	c.sequencers[key] = seq
	promclient.OpenBooksGauge.WithLabelValues(c.adapter.Venue()).Set(float64(len(c.sequencers)))
	if c.onBook != nil {
		c.onBook(book)
	}
	return seq
}

func (c *Connection) dropSequencer(symbol *domain.MarketSymbol) {
	key := symbol.String()
	if seq, ok := c.sequencers[key]; ok {
		seq.Book().MarkStale()
		delete(c.sequencers, key)
		promclient.OpenBooksGauge.WithLabelValues(c.adapter.Venue()).Set(float64(len(c.sequencers)))
	}
}

func (c *Connection) scheduleResync(symbol *domain.MarketSymbol) {
	promclient.ResyncCounter.WithLabelValues(c.adapter.Venue()).Inc()
	c.log.WithField("symbol", symbol.String()).
		Warnf("%s, scheduling resync", domain.ErrSequenceGapExceeded)
	c.resync.enqueue(symbol)
}

func (c *Connection) emitBook(seq *domain.DeltaSequencer) {
	if c.onUpdate == nil {
		return
	}
	book := seq.Book()
	c.onUpdate(domain.EventOrderBook, book.Symbol, book.Snapshot(c.cfg.EmitDepth))
}

func (c *Connection) sendPing(policy domain.HeartbeatPolicy) {
	var err error
	if policy.IdlePing != nil {
		err = c.transport.WriteMessage(policy.IdlePing())
	} else {
		err = c.transport.Ping()
	}
	if err != nil {
		c.log.WithError(err).Warn("ping failed")
	}
}

// disconnect handles an unexpected transport loss: every owned subscription
// is closed (pending futures reject with the given error), sequencers reset
// and their books go stale. Returns the replay list for the reconnect.
func (c *Connection) disconnect(cause error) []ReplayEntry {
	promclient.ReconnectCounter.WithLabelValues(c.adapter.Venue()).Inc()
	c.log.WithError(cause).Warn("stream disconnected")

	replay := c.registry.ReplayList()
	c.registry.CloseAll(cause)
	for _, seq := range c.sequencers {
		seq.Reset()
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.gen++
	c.setState(State_Disconnected)
	return replay
}

func (c *Connection) redial() error {
	c.setState(State_Connecting)
	endpoint, err := c.adapter.Endpoint()
	if err != nil {
		c.setState(State_Disconnected)
		return err
	}
	t, err := c.dialer.Dial(context.Background(), endpoint)
	if err != nil {
		c.setState(State_Disconnected)
		return err
	}
	c.transport = t
	c.lastActivity = time.Now()
	c.installPongHandler(t)
	c.setState(State_Open)
	c.log.Info("reconnected")
	go c.readPump(t, c.gen)
	return nil
}

// resubscribe re-issues subscribe requests in original request order after a
// reconnect. The futures are internal: callers were already answered when
// they first subscribed.
func (c *Connection) resubscribe(replay []ReplayEntry) {
	for _, entry := range replay {
		rep := c.handleSubscribe(&command{kind: cmdSubscribe, event: entry.Event, symbol: entry.Symbol, params: entry.Params})
		if rep.err != nil {
			c.log.WithField("channel", string(entry.Event)+":"+entry.Symbol.String()).
				WithError(rep.err).Warn("resubscribe failed")
		}
	}
}

func (c *Connection) teardown() {
	c.setState(State_Closing)
	c.registry.CloseAll(domain.ErrConnectionClosed)
	for _, seq := range c.sequencers {
		seq.Book().MarkStale()
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.setState(State_Disconnected)
	c.log.Info("connection closed")
}

func (c *Connection) rearmAckTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if next, ok := c.registry.NextDeadline(); ok {
		t.Reset(time.Until(next))
	}
}
