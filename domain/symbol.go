package domain

import (
	"fmt"
	"strings"
)

type MarketSymbol struct {
	BaseAsset  string
	QuoteAsset string
}

func NewMarketSymbol(base string, quote string) (*MarketSymbol, error) {
	if base == quote {
		return nil, fmt.Errorf("base and quote must be different")
	}
	if base == "" || quote == "" {
		return nil, fmt.Errorf("base and quote must not be empty")
	}
	return &MarketSymbol{
		BaseAsset:  strings.ToLower(base),
		QuoteAsset: strings.ToLower(quote),
	}, nil
}

func NewMarketSymbolFromString(s string) (*MarketSymbol, error) {
	split := strings.Split(s, "_")
	if len(split) != 2 {
		return nil, fmt.Errorf("invalid symbol string %q", s)
	}
	return NewMarketSymbol(split[0], split[1])
}

// Join concatenates base and quote with the venue's separator, e.g. "btc" + "-" + "usdt".
func (ms *MarketSymbol) Join(separator string) string {
	return fmt.Sprintf("%s%s%s", ms.BaseAsset, separator, ms.QuoteAsset)
}

func (ms *MarketSymbol) String() string {
	return fmt.Sprintf("%s_%s", ms.BaseAsset, ms.QuoteAsset)
}

func (ms *MarketSymbol) Equal(other *MarketSymbol) bool {
	return ms.BaseAsset == other.BaseAsset && ms.QuoteAsset == other.QuoteAsset
}
