package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"booksync/domain"
)

const defaultRestEndpoint = "https://api.binance.com"

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// SnapshotAPI fetches full order-book snapshots from the binance REST depth
// endpoint. Used only by the resync path.
type SnapshotAPI struct {
	baseURL string
	client  *http.Client
}

func NewSnapshotAPI() *SnapshotAPI {
	base := os.Getenv("BINANCE_REST_ENDPOINT")
	if base == "" {
		base = defaultRestEndpoint
	}
	return &SnapshotAPI{
		baseURL: base,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (api *SnapshotAPI) FetchSnapshot(ctx context.Context, symbol *domain.MarketSymbol, depth int) (*domain.BookSnapshot, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol.Join("")))
	q.Set("limit", strconv.Itoa(depth))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/api/v3/depth?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := api.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching binance depth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance depth returned status %d", resp.StatusCode)
	}

	var body depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding binance depth: %w", err)
	}

	bids, err := domain.ParseLevels(body.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := domain.ParseLevels(body.Asks)
	if err != nil {
		return nil, err
	}

	return &domain.BookSnapshot{
		Venue:    "binance",
		Symbol:   symbol,
		Sequence: body.LastUpdateID,
		Bids:     bids,
		Asks:     asks,
		At:       time.Now(),
	}, nil
}
