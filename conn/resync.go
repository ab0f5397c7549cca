package conn

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"booksync/domain"
)

// resyncPool runs snapshot fetches off the frame-consumption loop. Fetches
// are rate limited against the venue's REST surface and retried with backoff
// until they succeed or the pool is stopped; the owning symbol stays in
// Resyncing the whole time, so emission for it is suppressed.
type resyncPool struct {
	fetcher domain.SnapshotFetcher
	limiter *rate.Limiter
	depth   int
	log     *logrus.Entry

	jobs    chan *domain.MarketSymbol
	results chan resyncResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type resyncResult struct {
	symbol   *domain.MarketSymbol
	snapshot *domain.BookSnapshot
}

func newResyncPool(fetcher domain.SnapshotFetcher, workers int, rps float64, depth int, log *logrus.Entry) *resyncPool {
	if workers <= 0 {
		workers = 2
	}
	if rps <= 0 {
		rps = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &resyncPool{
		fetcher: fetcher,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		depth:   depth,
		log:     log,
		jobs:    make(chan *domain.MarketSymbol, 64),
		results: make(chan resyncResult, 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go func() {
		<-ctx.Done()
		close(p.done)
	}()
	return p
}

// enqueue requests a snapshot fetch for symbol. Non-blocking: a full queue
// drops the request, the sequencer stays Resyncing and the next gap report
// re-enqueues it.
func (p *resyncPool) enqueue(symbol *domain.MarketSymbol) {
	select {
	case p.jobs <- symbol:
	default:
		p.log.WithField("symbol", symbol.String()).Warn("resync queue full, dropping request")
	}
}

func (p *resyncPool) stop() {
	p.cancel()
}

func (p *resyncPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case symbol := <-p.jobs:
			p.fetch(symbol)
		}
	}
}

func (p *resyncPool) fetch(symbol *domain.MarketSymbol) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 15 * time.Second, Jitter: true}

	for {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		snap, err := p.fetcher.FetchSnapshot(p.ctx, symbol, p.depth)
		if err == nil {
			select {
			case p.results <- resyncResult{symbol: symbol, snapshot: snap}:
			case <-p.ctx.Done():
			}
			return
		}

		p.log.WithField("symbol", symbol.String()).
			WithError(err).
			Warnf("%s, retrying", domain.ErrSnapshotFetchFailed)

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}
