package domain

import (
	"context"
	"sync"
	"time"
)

type SubscriptionState string

const (
	SubscriptionState_Requested     SubscriptionState = "Requested"
	SubscriptionState_Active        SubscriptionState = "Active"
	SubscriptionState_Unsubscribing SubscriptionState = "Unsubscribing"
	SubscriptionState_Closed        SubscriptionState = "Closed"
)

// Subscription tracks one (event, symbol) channel on one connection, from the
// subscribe request through its acknowledgement to teardown.
type Subscription struct {
	Event     EventType
	Symbol    *MarketSymbol
	Params    map[string]any
	ChannelID string // venue-assigned, empty until the ack carries one
	State     SubscriptionState

	// pending request correlation; zero-valued once acknowledged
	Token    string
	Deadline time.Time

	Future *AckFuture
}

func (s *Subscription) Key() string {
	return string(s.Event) + ":" + s.Symbol.String()
}

// AckFuture resolves when a subscribe/unsubscribe request is acknowledged, or
// rejects on timeout or teardown. Settling is idempotent: the first outcome
// wins and later ones are no-ops.
type AckFuture struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewAckFuture() *AckFuture {
	return &AckFuture{done: make(chan struct{})}
}

func (f *AckFuture) Resolve() {
	f.once.Do(func() { close(f.done) })
}

func (f *AckFuture) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future settles either way.
func (f *AckFuture) Done() <-chan struct{} { return f.done }

// Err is valid after Done is closed; nil means the request was acknowledged.
func (f *AckFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future settles or ctx expires.
func (f *AckFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
