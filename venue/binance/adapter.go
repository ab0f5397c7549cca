package binance

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"booksync/domain"
)

const defaultWebsocketEndpoint = "wss://stream.binance.com:9443/stream"

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ReqID  int      `json:"id"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int            `json:"id"`
	Error  json.RawMessage `json:"error"`
}

type depthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type tradeData struct {
	Event        string `json:"e"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type topicEntry struct {
	event  domain.EventType
	symbol *domain.MarketSymbol
}

// Adapter speaks the binance combined-stream dialect: SUBSCRIBE/UNSUBSCRIBE
// requests with numeric ids, acks echoing the id, and per-topic payloads in a
// {stream, data} envelope. Owned by one connection loop; the topic map is
// filled on encode and read on decode without locking.
type Adapter struct {
	endpoint string
	topics   map[string]topicEntry
}

func NewAdapter() *Adapter {
	return &Adapter{
		endpoint: defaultWebsocketEndpoint,
		topics:   make(map[string]topicEntry),
	}
}

func (a *Adapter) Venue() string { return "binance" }

func (a *Adapter) Endpoint() (string, error) { return a.endpoint, nil }

func (a *Adapter) HeartbeatPolicy() domain.HeartbeatPolicy {
	// The server pings; gorilla answers with pongs on its own. The client
	// side only needs an idle probe.
	return domain.HeartbeatPolicy{
		Interval: 3 * time.Minute,
		PongWait: time.Minute,
	}
}

func (a *Adapter) EncodeSubscribe(event domain.EventType, symbol *domain.MarketSymbol, params map[string]any) ([]byte, string, error) {
	topic, err := a.topicFor(event, symbol)
	if err != nil {
		return nil, "", err
	}
	a.topics[topic] = topicEntry{event: event, symbol: symbol}

	id := randomReqID()
	frame, err := json.Marshal(wsRequest{Method: "SUBSCRIBE", Params: []string{topic}, ReqID: id})
	if err != nil {
		return nil, "", err
	}
	return frame, strconv.Itoa(id), nil
}

func (a *Adapter) EncodeUnsubscribe(event domain.EventType, symbol *domain.MarketSymbol, channelID string) ([]byte, string, error) {
	topic := channelID
	if topic == "" {
		var err error
		topic, err = a.topicFor(event, symbol)
		if err != nil {
			return nil, "", err
		}
	}
	delete(a.topics, topic)

	id := randomReqID()
	frame, err := json.Marshal(wsRequest{Method: "UNSUBSCRIBE", Params: []string{topic}, ReqID: id})
	if err != nil {
		return nil, "", err
	}
	return frame, strconv.Itoa(id), nil
}

func (a *Adapter) Decode(raw []byte) (*domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}

	// a frame with an id answers a subscribe/unsubscribe request: an ack,
	// or an error reply when the venue rejected it
	if env.ID != nil {
		if len(env.Error) > 0 && string(env.Error) != "null" {
			return &domain.Message{
				Kind:  domain.KindError,
				Token: strconv.Itoa(*env.ID),
				Err:   fmt.Errorf("binance: %s", env.Error),
			}, nil
		}
		return &domain.Message{
			Kind:  domain.KindSubscribeAck,
			Token: strconv.Itoa(*env.ID),
		}, nil
	}

	if env.Stream == "" {
		return nil, fmt.Errorf("%w: no stream field", domain.ErrUnknownFrame)
	}
	entry, ok := a.topics[env.Stream]
	if !ok {
		return nil, nil // payload for a topic we no longer track
	}

	switch entry.event {
	case domain.EventOrderBook:
		return a.decodeDepthUpdate(env, entry)
	case domain.EventTrade:
		return a.decodeTrade(env, entry)
	}
	return nil, nil
}

func (a *Adapter) decodeDepthUpdate(env envelope, entry topicEntry) (*domain.Message, error) {
	var data depthUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: depth update: %s", domain.ErrUnknownFrame, err)
	}

	bids, err := domain.ParseOps(data.Bids, domain.Bid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}
	asks, err := domain.ParseOps(data.Asks, domain.Ask)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}

	return &domain.Message{
		Kind:      domain.KindDelta,
		Event:     domain.EventOrderBook,
		Symbol:    entry.symbol,
		ChannelID: env.Stream,
		Delta: &domain.DeltaBatch{
			Symbol:   entry.symbol,
			First:    data.FirstUpdateID,
			Sequence: data.FinalUpdateID,
			Ops:      append(bids, asks...),
			At:       time.UnixMilli(data.EventTime),
		},
	}, nil
}

func (a *Adapter) decodeTrade(env envelope, entry topicEntry) (*domain.Message, error) {
	var data tradeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: trade: %s", domain.ErrUnknownFrame, err)
	}

	levels, err := domain.ParseLevels([][]string{{data.Price, data.Quantity}})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}

	// buyer-is-maker means the aggressor sold
	side := domain.Bid
	if data.IsBuyerMaker {
		side = domain.Ask
	}

	return &domain.Message{
		Kind:      domain.KindTrade,
		Event:     domain.EventTrade,
		Symbol:    entry.symbol,
		ChannelID: env.Stream,
		Trade: &domain.Trade{
			Venue:  a.Venue(),
			Symbol: entry.symbol,
			ID:     strconv.FormatInt(data.TradeID, 10),
			Price:  levels[0].Price,
			Size:   levels[0].Size,
			Side:   side,
			At:     time.UnixMilli(data.TradeTime),
		},
	}, nil
}

func (a *Adapter) topicFor(event domain.EventType, symbol *domain.MarketSymbol) (string, error) {
	joined := strings.ToLower(symbol.Join(""))
	switch event {
	case domain.EventOrderBook:
		return joined + "@depth@100ms", nil
	case domain.EventTrade:
		return joined + "@trade", nil
	}
	return "", fmt.Errorf("binance: unsupported event %q", event)
}

func randomReqID() int {
	min, max := 10000, 9999999
	return min + rand.Intn(max-min)
}
