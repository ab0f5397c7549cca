package conn

import (
	"time"

	"booksync/domain"
)

// SubscriptionRegistry does the subscription bookkeeping for one connection:
// which (event, symbol) channels exist, which requests still wait for their
// acknowledgement, and in what order channels were first requested (the replay
// order after a reconnect). It is owned by the connection's consumer loop and
// is not safe for concurrent use.
type SubscriptionRegistry struct {
	timeout time.Duration

	subs    map[string]*domain.Subscription
	pending map[string]*pendingRequest
	order   []string
}

type pendingRequest struct {
	sub         *domain.Subscription
	unsubscribe bool
	deadline    time.Time
}

func NewSubscriptionRegistry(timeout time.Duration) *SubscriptionRegistry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SubscriptionRegistry{
		timeout: timeout,
		subs:    make(map[string]*domain.Subscription),
		pending: make(map[string]*pendingRequest),
	}
}

// Subscribe returns the channel's subscription and whether it was created by
// this call. Re-subscribing an existing Requested or Active channel is a
// no-op that hands back the existing future.
func (r *SubscriptionRegistry) Subscribe(event domain.EventType, symbol *domain.MarketSymbol, params map[string]any) (*domain.Subscription, bool) {
	key := string(event) + ":" + symbol.String()
	if sub, ok := r.subs[key]; ok && sub.State != domain.SubscriptionState_Closed {
		return sub, false
	}

	sub := &domain.Subscription{
		Event:  event,
		Symbol: symbol,
		Params: params,
		State:  domain.SubscriptionState_Requested,
		Future: domain.NewAckFuture(),
	}
	r.subs[key] = sub
	r.appendOrder(key)
	return sub, true
}

// Unsubscribe transitions an Active channel to Unsubscribing and hands out a
// fresh future for the unsubscribe ack. Returns nil if the channel is not
// established.
func (r *SubscriptionRegistry) Unsubscribe(event domain.EventType, symbol *domain.MarketSymbol) *domain.Subscription {
	sub := r.Lookup(event, symbol)
	if sub == nil || sub.State != domain.SubscriptionState_Active {
		return nil
	}
	sub.State = domain.SubscriptionState_Unsubscribing
	sub.Future = domain.NewAckFuture()
	return sub
}

func (r *SubscriptionRegistry) Lookup(event domain.EventType, symbol *domain.MarketSymbol) *domain.Subscription {
	return r.subs[string(event)+":"+symbol.String()]
}

// TrackPending records the correlation token after the request frame was
// written, with the registry's ack deadline attached.
func (r *SubscriptionRegistry) TrackPending(sub *domain.Subscription, token string, unsubscribe bool, now time.Time) {
	sub.Token = token
	sub.Deadline = now.Add(r.timeout)
	r.pending[token] = &pendingRequest{
		sub:         sub,
		unsubscribe: unsubscribe,
		deadline:    sub.Deadline,
	}
}

// HandleAck settles the pending request carrying token. Acks for unknown or
// already timed-out tokens are ignored.
func (r *SubscriptionRegistry) HandleAck(token, channelID string) *domain.Subscription {
	req, ok := r.pending[token]
	if !ok {
		return nil
	}
	delete(r.pending, token)

	sub := req.sub
	sub.Token = ""
	sub.Deadline = time.Time{}

	if req.unsubscribe {
		sub.State = domain.SubscriptionState_Closed
		sub.Future.Resolve()
		r.remove(sub)
		return sub
	}

	sub.State = domain.SubscriptionState_Active
	if channelID != "" {
		sub.ChannelID = channelID
	}
	sub.Future.Resolve()
	return sub
}

// RejectPending settles the pending request carrying token with err and purges
// its channel. Used when the venue answers a request with an error frame.
func (r *SubscriptionRegistry) RejectPending(token string, err error) *domain.Subscription {
	req, ok := r.pending[token]
	if !ok {
		return nil
	}
	delete(r.pending, token)

	sub := req.sub
	sub.Token = ""
	sub.Deadline = time.Time{}
	sub.State = domain.SubscriptionState_Closed
	sub.Future.Reject(err)
	r.remove(sub)
	return sub
}

// NextDeadline reports the earliest pending ack deadline, if any.
func (r *SubscriptionRegistry) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, req := range r.pending {
		if next.IsZero() || req.deadline.Before(next) {
			next = req.deadline
		}
	}
	return next, !next.IsZero()
}

// Expire rejects every pending request whose deadline has passed and purges
// its channel; a late ack for a purged token is then a no-op.
func (r *SubscriptionRegistry) Expire(now time.Time) []*domain.Subscription {
	var expired []*domain.Subscription
	for token, req := range r.pending {
		if req.deadline.After(now) {
			continue
		}
		delete(r.pending, token)
		sub := req.sub
		sub.State = domain.SubscriptionState_Closed
		sub.Future.Reject(domain.ErrSubscriptionTimeout)
		r.remove(sub)
		expired = append(expired, sub)
	}
	return expired
}

// ReplayEntry is what survives a disconnect: enough to re-issue the request.
type ReplayEntry struct {
	Event  domain.EventType
	Symbol *domain.MarketSymbol
	Params map[string]any
}

// ReplayList returns the channels that were Active or Requested, in original
// request order, for resubscription after a reconnect.
func (r *SubscriptionRegistry) ReplayList() []ReplayEntry {
	var list []ReplayEntry
	for _, key := range r.order {
		sub, ok := r.subs[key]
		if !ok {
			continue
		}
		if sub.State == domain.SubscriptionState_Active || sub.State == domain.SubscriptionState_Requested {
			list = append(list, ReplayEntry{Event: sub.Event, Symbol: sub.Symbol, Params: sub.Params})
		}
	}
	return list
}

// CloseAll rejects every pending future with err and marks every channel
// Closed. Called on teardown and on connection loss.
func (r *SubscriptionRegistry) CloseAll(err error) {
	for token, req := range r.pending {
		delete(r.pending, token)
		req.sub.Future.Reject(err)
	}
	for _, sub := range r.subs {
		sub.State = domain.SubscriptionState_Closed
		sub.Token = ""
	}
	r.subs = make(map[string]*domain.Subscription)
	r.order = nil
}

// CloseSub drops a single subscription, e.g. when its request frame could
// not be produced.
func (r *SubscriptionRegistry) CloseSub(sub *domain.Subscription) {
	sub.State = domain.SubscriptionState_Closed
	if sub.Token != "" {
		delete(r.pending, sub.Token)
		sub.Token = ""
	}
	r.remove(sub)
}

func (r *SubscriptionRegistry) Len() int {
	return len(r.subs)
}

func (r *SubscriptionRegistry) appendOrder(key string) {
	for _, k := range r.order {
		if k == key {
			return
		}
	}
	r.order = append(r.order, key)
}

func (r *SubscriptionRegistry) remove(sub *domain.Subscription) {
	key := sub.Key()
	delete(r.subs, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
