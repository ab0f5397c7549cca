package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"

	"booksync/domain"
)

type bookResponse struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

// SnapshotAPI wraps the kucoin REST surface: the websocket connection token
// and the aggregated full-book snapshot used by the resync path.
type SnapshotAPI struct {
	apiService *kucoin.ApiService
}

func NewSnapshotAPI() *SnapshotAPI {
	return &SnapshotAPI{
		apiService: kucoin.NewApiService(
			kucoin.ApiKeyOption(os.Getenv("KUCOIN_API_KEY")),
			kucoin.ApiSecretOption(os.Getenv("KUCOIN_SECRET_KEY")),
			kucoin.ApiPassPhraseOption(os.Getenv("KUCOIN_PASSPHRASE")),
		),
	}
}

func (api *SnapshotAPI) WsConnOpts() (*kucoin.WebSocketTokenModel, error) {
	resp, err := api.apiService.WebSocketPublicToken()
	if err != nil {
		return nil, fmt.Errorf("requesting ws token: %w", err)
	}

	data := &kucoin.WebSocketTokenModel{}
	if err = json.Unmarshal(resp.RawData, data); err != nil {
		return nil, fmt.Errorf("unmarshaling ws token response: %w", err)
	}
	return data, nil
}

func (api *SnapshotAPI) FetchSnapshot(ctx context.Context, symbol *domain.MarketSymbol, depth int) (*domain.BookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := strings.ToUpper(symbol.Join("-"))
	resp, err := api.apiService.AggregatedFullOrderBookV3(s)
	if err != nil {
		return nil, fmt.Errorf("fetching kucoin book for %s: %w", s, err)
	}

	var body bookResponse
	if err = json.Unmarshal(resp.RawData, &body); err != nil {
		return nil, fmt.Errorf("unmarshaling kucoin book: %w", err)
	}

	sequence, err := strconv.ParseInt(body.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing kucoin book sequence %q: %w", body.Sequence, err)
	}

	bids, err := domain.ParseLevels(limitLevels(body.Bids, depth))
	if err != nil {
		return nil, err
	}
	asks, err := domain.ParseLevels(limitLevels(body.Asks, depth))
	if err != nil {
		return nil, err
	}

	return &domain.BookSnapshot{
		Venue:    "kucoin",
		Symbol:   symbol,
		Sequence: sequence,
		Bids:     bids,
		Asks:     asks,
		At:       time.UnixMilli(body.Time),
	}, nil
}

// limitLevels trims the full-book response, which has no depth parameter.
func limitLevels(levels [][]string, depth int) [][]string {
	if depth > 0 && len(levels) > depth {
		return levels[:depth]
	}
	return levels
}
