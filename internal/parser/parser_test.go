package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

var receivedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseBasicBuy(t *testing.T) {
	sig, err := Parse("buy BTC 0.5 at 42000", receivedAt)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderSideBuy, sig.Action)
	assert.Equal(t, "BTC", sig.Symbol)
	assert.Equal(t, 0.5, sig.Quantity)
	assert.Equal(t, 42000.0, sig.Price)
	assert.Equal(t, receivedAt, sig.ReceivedAt)
	assert.Empty(t, sig.Venue)
	assert.Nil(t, sig.TakeProfit)
	assert.Nil(t, sig.StopLoss)
}

func TestParseCaseInsensitive(t *testing.T) {
	sig, err := Parse("  SELL eth 2 AT 3100.25  ", receivedAt)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSideSell, sig.Action)
	assert.Equal(t, "ETH", sig.Symbol)
	assert.Equal(t, 2.0, sig.Quantity)
	assert.Equal(t, 3100.25, sig.Price)
}

func TestParseDeterministic(t *testing.T) {
	inputs := []string{
		"buy BTC 0.5 at 42000",
		"sell SOL 10 at 150.5 on mexc",
		"buy DOGE 1000 at 0.08 tp 0.1 tp 0.09 sl 0.07",
	}
	for _, in := range inputs {
		a, err := Parse(in, receivedAt)
		require.NoError(t, err, in)
		b, err := Parse(in, receivedAt.Add(time.Hour))
		require.NoError(t, err, in)

		b.ReceivedAt = a.ReceivedAt
		assert.Equal(t, a, b, in)
	}
}

func TestParseClauses(t *testing.T) {
	sig, err := Parse("buy BTC 0.5 at 42000 on Kraken tp 45000 tp 44000 sl 40000", receivedAt)
	require.NoError(t, err)

	assert.Equal(t, "kraken", sig.Venue)
	require.NotNil(t, sig.TakeProfit)
	assert.Equal(t, 44000.0, *sig.TakeProfit)
	require.NotNil(t, sig.StopLoss)
	assert.Equal(t, 40000.0, *sig.StopLoss)

	short, err := Parse("sell BTC 0.5 at 42000 tp 38000 tp 40000", receivedAt)
	require.NoError(t, err)
	require.NotNil(t, short.TakeProfit)
	assert.Equal(t, 40000.0, *short.TakeProfit)
}

func TestParseErrors(t *testing.T) {
	huge := "1" + strings.Repeat("0", 400)
	tiny := "0." + strings.Repeat("0", 400) + "1"

	cases := []struct {
		name  string
		input string
		field string
	}{
		{"empty", "", "action"},
		{"missing symbol and quantity", "sell at 100", "symbol"},
		{"unknown action", "hold BTC 1 at 2", "action"},
		{"symbol too short", "buy BT 1 at 2", "symbol"},
		{"symbol too long", "buy BITCOIN 1 at 2", "symbol"},
		{"symbol with digits", "buy BTC1 1 at 2", "symbol"},
		{"missing quantity", "buy BTC at 42000", "quantity"},
		{"non numeric quantity", "buy BTC half at 42000", "quantity"},
		{"negative quantity", "buy BTC -1 at 42000", "quantity"},
		{"zero quantity", "buy BTC 0 at 42000", "quantity"},
		{"missing keyword", "buy BTC 0.5 42000", "at"},
		{"wrong keyword", "buy BTC 0.5 for 42000", "at"},
		{"missing price", "buy BTC 0.5 at", "price"},
		{"zero price", "buy BTC 0.5 at 0.000", "price"},
		{"negative price", "buy BTC 0.5 at -5", "price"},
		{"exponent price", "buy BTC 0.5 at 4e4", "price"},
		{"trailing garbage", "buy BTC 0.5 at 42000 now", "clause"},
		{"dangling tp", "buy BTC 0.5 at 42000 tp", "take_profit"},
		{"too many tp", "buy BTC 1 at 2 tp 3 tp 4 tp 5 tp 6 tp 7", "take_profit"},
		{"double sl", "buy BTC 1 at 2 sl 1 sl 1.5", "stop_loss"},
		{"bad venue", "buy BTC 1 at 2 on !!", "venue"},
		{"overflowing quantity", "buy BTC " + huge + " at 42000", "quantity"},
		{"overflowing price", "buy BTC 1 at " + huge, "price"},
		{"underflowing quantity", "buy BTC " + tiny + " at 42000", "quantity"},
		{"quantity above bound", "buy BTC 1000000000000001 at 2", "quantity"},
		{"tp above bound", "buy BTC 1 at 2 tp " + huge, "take_profit"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := Parse(tc.input, receivedAt)
			require.Error(t, err)
			assert.Equal(t, domain.TradeSignal{}, sig)

			var pe *domain.ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tc.field, pe.Field)
			assert.Equal(t, tc.input, pe.Input)
			assert.ErrorIs(t, err, domain.ErrParse)
		})
	}
}
