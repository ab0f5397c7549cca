package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMarketSymbol(t *testing.T) {
	symbol, err := NewMarketSymbol("BTC", "usdt")
	require.NoError(t, err)
	assert.Equal(t, "btc", symbol.BaseAsset, "assets are normalized to lower case")
	assert.Equal(t, "usdt", symbol.QuoteAsset)
}

func TestNewMarketSymbolRejectsBadInput(t *testing.T) {
	_, err := NewMarketSymbol("btc", "btc")
	assert.Error(t, err, "base and quote must differ")

	_, err = NewMarketSymbol("", "usdt")
	assert.Error(t, err)
}

func TestNewMarketSymbolFromString(t *testing.T) {
	symbol, err := NewMarketSymbolFromString("eth_usdt")
	require.NoError(t, err)
	assert.Equal(t, "eth", symbol.BaseAsset)
	assert.Equal(t, "usdt", symbol.QuoteAsset)

	_, err = NewMarketSymbolFromString("ethusdt")
	assert.Error(t, err)
}

func TestMarketSymbolJoinAndString(t *testing.T) {
	symbol, err := NewMarketSymbol("btc", "usdt")
	require.NoError(t, err)

	assert.Equal(t, "btc_usdt", symbol.String())
	assert.Equal(t, "btcusdt", symbol.Join(""))
	assert.Equal(t, "btc-usdt", symbol.Join("-"))
}

func TestMarketSymbolEqual(t *testing.T) {
	a, _ := NewMarketSymbol("btc", "usdt")
	b, _ := NewMarketSymbol("BTC", "USDT")
	c, _ := NewMarketSymbol("eth", "usdt")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
