package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"booksync/config"
	"booksync/conn"
	"booksync/domain"
	"booksync/logger"
	"booksync/storage"
)

// Engine wires venue adapters, their connections and the book storage behind
// one facade. Each venue runs one connection; every symbol watched on it is
// kept in sync by that connection's sequencers and served to the consumer
// callback and to Snapshot callers.
type Engine struct {
	cfg     config.EngineConfig
	log     *logrus.Entry
	handler domain.UpdateHandler

	mu     sync.Mutex
	venues map[string]*venueUnit
	books  *storage.BookStorage
}

type venueUnit struct {
	adapter domain.VenueAdapter
	fetcher domain.SnapshotFetcher
	conn    *conn.Connection
}

func New(cfg config.EngineConfig, handler domain.UpdateHandler) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     logger.WithComponent("engine"),
		handler: handler,
		venues:  make(map[string]*venueUnit),
		books:   storage.NewBookStorage(),
	}
}

// Register adds a venue. Must be called before Connect. A venue may carry only
// one connection: a second registration would subscribe its channels twice.
func (e *Engine) Register(adapter domain.VenueAdapter, fetcher domain.SnapshotFetcher) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.venues[adapter.Venue()]; ok {
		return fmt.Errorf("%w: %s", domain.ErrVenueAlreadyRegistered, adapter.Venue())
	}

	c := conn.New(adapter, fetcher, e.handler, conn.Config{
		SubscribeTimeout: e.cfg.SubscribeTimeout,
		ReconnectMin:     e.cfg.ReconnectMin,
		ReconnectMax:     e.cfg.ReconnectMax,
		BufferCap:        e.cfg.BufferCap,
		EmitDepth:        e.cfg.EmitDepth,
		FetchDepth:       e.cfg.FetchDepth,
		ResyncWorkers:    e.cfg.ResyncWorkers,
		SnapshotRPS:      e.cfg.SnapshotRPS,
	}, conn.WithBookSink(e.books.Add))

	e.venues[adapter.Venue()] = &venueUnit{adapter: adapter, fetcher: fetcher, conn: c}
	return nil
}

// Connect dials every registered venue concurrently.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	units := make([]*venueUnit, 0, len(e.venues))
	for _, u := range e.venues {
		units = append(units, u)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(units))
	for i, u := range units {
		wg.Add(1)
		go func(i int, u *venueUnit) {
			defer wg.Done()
			if err := u.conn.Open(ctx); err != nil {
				e.log.WithError(err).Errorf("failed to connect to %s", u.adapter.Venue())
				errs[i] = err
			}
		}(i, u)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// WatchOrderBook subscribes the symbol's book channel on the venue's
// connection. The returned future resolves on the venue's ack; book clones
// then flow to the update handler once the initial snapshot lands.
func (e *Engine) WatchOrderBook(venue string, symbol *domain.MarketSymbol, params map[string]any) (*domain.AckFuture, error) {
	u, err := e.venue(venue)
	if err != nil {
		return nil, err
	}
	return u.conn.Subscribe(domain.EventOrderBook, symbol, params)
}

func (e *Engine) WatchTrades(venue string, symbol *domain.MarketSymbol) (*domain.AckFuture, error) {
	u, err := e.venue(venue)
	if err != nil {
		return nil, err
	}
	return u.conn.Subscribe(domain.EventTrade, symbol, nil)
}

func (e *Engine) Unwatch(venue string, event domain.EventType, symbol *domain.MarketSymbol) (*domain.AckFuture, error) {
	u, err := e.venue(venue)
	if err != nil {
		return nil, err
	}
	return u.conn.Unsubscribe(event, symbol)
}

// Snapshot serves a depth-limited book clone. While the local book is still
// initializing (or stale after a disconnect) the venue's REST snapshot is
// returned instead, so callers always get a coherent view.
func (e *Engine) Snapshot(ctx context.Context, venue string, symbol *domain.MarketSymbol, depth int) (*domain.BookSnapshot, error) {
	u, err := e.venue(venue)
	if err != nil {
		return nil, err
	}

	book, err := e.books.Get(venue, symbol)
	if err == nil && book.Status() == domain.BookStatus_Ok {
		return book.Snapshot(depth), nil
	}

	e.log.Debugf("local book for %s unavailable, serving venue snapshot", symbol)
	return u.fetcher.FetchSnapshot(ctx, symbol, depth)
}

// Close tears down every connection; pending futures reject with
// ErrConnectionClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range e.venues {
		_ = u.conn.Close()
	}
}

func (e *Engine) venue(name string) (*venueUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.venues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrVenueNotFound, name)
	}
	return u, nil
}
