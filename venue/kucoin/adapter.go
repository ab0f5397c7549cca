package kucoin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"booksync/domain"
)

type wsMessage struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type level2Data struct {
	Changes       levelChanges `json:"changes"`
	SequenceStart int64        `json:"sequenceStart"`
	SequenceEnd   int64        `json:"sequenceEnd"`
	Symbol        string       `json:"symbol"`
	Time          int64        `json:"time"`
}

type levelChanges struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

type matchData struct {
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	TradeID string `json:"tradeId"`
	Time    string `json:"time"`
}

type topicEntry struct {
	event  domain.EventType
	symbol *domain.MarketSymbol
}

// Adapter speaks the kucoin dialect: a token-gated websocket endpoint,
// subscribe/unsubscribe messages with uuid correlation ids answered by ack
// frames, application-level ping/pong, and level2/match topic payloads.
type Adapter struct {
	sync   *SnapshotAPI
	topics map[string]topicEntry

	pingInterval time.Duration
	pingTimeout  time.Duration
}

func NewAdapter(sync *SnapshotAPI) *Adapter {
	return &Adapter{
		sync:         sync,
		topics:       make(map[string]topicEntry),
		pingInterval: 15 * time.Second,
		pingTimeout:  10 * time.Second,
	}
}

func (a *Adapter) Venue() string { return "kucoin" }

// Endpoint asks the REST surface for a connection token and the instance
// server to dial. The server's advertised ping cadence feeds the heartbeat
// policy.
func (a *Adapter) Endpoint() (string, error) {
	opts, err := a.sync.WsConnOpts()
	if err != nil {
		return "", err
	}
	if len(opts.Servers) == 0 {
		return "", errors.New("kucoin: token response carries no instance servers")
	}
	server := opts.Servers[0]
	if server.PingInterval > 0 {
		a.pingInterval = time.Duration(server.PingInterval) * time.Millisecond
	}
	if server.PingTimeout > 0 {
		a.pingTimeout = time.Duration(server.PingTimeout) * time.Millisecond
	}
	return fmt.Sprintf("%s?token=%s&connectId=%s", server.Endpoint, opts.Token, uuid.NewString()), nil
}

func (a *Adapter) HeartbeatPolicy() domain.HeartbeatPolicy {
	return domain.HeartbeatPolicy{
		Interval: a.pingInterval,
		PongWait: a.pingTimeout,
		IdlePing: func() []byte {
			frame, _ := json.Marshal(wsMessage{ID: uuid.NewString(), Type: "ping"})
			return frame
		},
	}
}

func (a *Adapter) EncodeSubscribe(event domain.EventType, symbol *domain.MarketSymbol, params map[string]any) ([]byte, string, error) {
	topic, err := a.topicFor(event, symbol)
	if err != nil {
		return nil, "", err
	}
	a.topics[topic] = topicEntry{event: event, symbol: symbol}

	id := uuid.NewString()
	frame, err := json.Marshal(wsMessage{ID: id, Type: "subscribe", Topic: topic, Response: true})
	if err != nil {
		return nil, "", err
	}
	return frame, id, nil
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

	id := uuid.NewString()
	frame, err := json.Marshal(wsMessage{ID: id, Type: "unsubscribe", Topic: topic, Response: true})
	if err != nil {
		return nil, "", err
	}
	return frame, id, nil
}

func (a *Adapter) Decode(raw []byte) (*domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}

	switch env.Type {
	case "welcome", "pong":
		return &domain.Message{Kind: domain.KindHeartbeat}, nil

	case "ack":
		return &domain.Message{Kind: domain.KindSubscribeAck, Token: env.ID, ChannelID: env.Topic}, nil

	case "error":
		return &domain.Message{
			Kind:  domain.KindError,
			Token: env.ID,
			Err:   fmt.Errorf("kucoin: %s", string(env.Data)),
		}, nil

	case "message":
		entry, ok := a.topics[env.Topic]
		if !ok {
			return nil, nil
		}
		switch entry.event {
		case domain.EventOrderBook:
			return a.decodeLevel2(env, entry)
		case domain.EventTrade:
			return a.decodeMatch(env, entry)
		}
		return nil, nil
	}

	return nil, fmt.Errorf("%w: type %q", domain.ErrUnknownFrame, env.Type)
}

func (a *Adapter) decodeLevel2(env envelope, entry topicEntry) (*domain.Message, error) {
	var data level2Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: level2 update: %s", domain.ErrUnknownFrame, err)
	}

	bids, err := domain.ParseOps(data.Changes.Bids, domain.Bid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}
	asks, err := domain.ParseOps(data.Changes.Asks, domain.Ask)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}

	return &domain.Message{
		Kind:      domain.KindDelta,
		Event:     domain.EventOrderBook,
		Symbol:    entry.symbol,
		ChannelID: env.Topic,
		Delta: &domain.DeltaBatch{
			Symbol:   entry.symbol,
			First:    data.SequenceStart,
			Sequence: data.SequenceEnd,
			Ops:      append(bids, asks...),
			At:       time.UnixMilli(data.Time),
		},
	}, nil
}

func (a *Adapter) decodeMatch(env envelope, entry topicEntry) (*domain.Message, error) {
	var data matchData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: match: %s", domain.ErrUnknownFrame, err)
	}

	levels, err := domain.ParseLevels([][]string{{data.Price, data.Size}})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFrame, err)
	}

	side := domain.Ask
	if data.Side == "buy" {
		side = domain.Bid
	}

	at := time.Now()
	if ns, err := strconv.ParseInt(data.Time, 10, 64); err == nil {
		at = time.Unix(0, ns)
	}

	return &domain.Message{
		Kind:      domain.KindTrade,
		Event:     domain.EventTrade,
		Symbol:    entry.symbol,
		ChannelID: env.Topic,
		Trade: &domain.Trade{
			Venue:  a.Venue(),
			Symbol: entry.symbol,
			ID:     data.TradeID,
			Price:  levels[0].Price,
			Size:   levels[0].Size,
			Side:   side,
			At:     at,
		},
	}, nil
}

func (a *Adapter) topicFor(event domain.EventType, symbol *domain.MarketSymbol) (string, error) {
	joined := strings.ToUpper(symbol.Join("-"))
	switch event {
	case domain.EventOrderBook:
		return "/market/level2:" + joined, nil
	case domain.EventTrade:
		return "/market/match:" + joined, nil
	}
	return "", fmt.Errorf("kucoin: unsupported event %q", event)
}
