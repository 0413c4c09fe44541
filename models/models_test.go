package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		in   string
		want Topic
		ok   bool
	}{
		{"balance", TopicBalance, true},
		{" PnL ", TopicPnL, true},
		{"position", TopicPositions, true},
		{"order", TopicOrders, true},
		{"orders", TopicOrders, true},
		{"tickers", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTopic(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseTopic(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}

	topics, invalid := ParseTopics([]string{"balance", "foo", "order"})
	assert.Equal(t, []Topic{TopicBalance, TopicOrders}, topics)
	assert.Equal(t, []string{"foo"}, invalid)
	assert.Equal(t, "pnl_update", TopicPnL.UpdateEvent())
	assert.False(t, Topic("position").Valid())
}

func TestDecodeBalance(t *testing.T) {
	raw := json.RawMessage(`{"coin":"USDT","available":"1500.25","total":2000,"equity":2100.5}`)
	p, warns := DecodePayload(TopicBalance, raw)
	require.Empty(t, warns)

	b, ok := p.(Balance)
	require.True(t, ok)
	assert.Equal(t, "USDT", b.Coin)
	assert.True(t, b.Available.Equal(decimal.RequireFromString("1500.25")))
	assert.True(t, b.Total.Equal(decimal.NewFromInt(2000)))
	assert.True(t, b.Equity.Equal(decimal.RequireFromString("2100.5")))
}

func TestDecodeBalanceMissingFields(t *testing.T) {
	p, warns := DecodePayload(TopicBalance, json.RawMessage(`{"coin":"USDT","total":"abc"}`))

	b := p.(Balance)
	assert.True(t, b.Available.IsZero())
	assert.True(t, b.Total.IsZero())
	require.Len(t, warns, 3)
	assert.Equal(t, "data.available", warns[0].Field)
	assert.Equal(t, "data.total", warns[1].Field)
	assert.Equal(t, "expected number", warns[1].Reason)
}

func TestDecodePositionsDefaults(t *testing.T) {
	raw := json.RawMessage(`[
		{"symbol":"BTCUSDT","side":"Buy","size":"0.5","entry_price":"60000","mark_price":"61000","unrealized_pnl":"500"},
		"garbage",
		{"symbol":"ETHUSDT","side":"Sell","size":2,"entry_price":3000,"mark_price":2900,"unrealized_pnl":200,"leverage":"10"}
	]`)
	p, warns := DecodePayload(TopicPositions, raw)

	list := p.(PositionList)
	require.Len(t, list, 2)
	assert.True(t, list[0].Leverage.Equal(decimal.NewFromInt(1)), "missing leverage defaults to 1")
	assert.True(t, list[1].Leverage.Equal(decimal.NewFromInt(10)))

	require.Len(t, warns, 2)
	assert.Equal(t, "data[0].leverage", warns[0].Field)
	assert.Equal(t, "data[1]", warns[1].Field)
}

func TestDecodePnL(t *testing.T) {
	p, warns := DecodePayload(TopicPnL, json.RawMessage(`{"total_unrealized_pnl":"700","position_count":2}`))
	require.Empty(t, warns, "positions is optional")

	pnl := p.(PnL)
	assert.Equal(t, 2, pnl.PositionCount)
	assert.Nil(t, pnl.Positions)

	p, warns = DecodePayload(TopicPnL, json.RawMessage(`null`))
	assert.Equal(t, 0, p.(PnL).PositionCount)
	assert.NotEmpty(t, warns)
}

func TestDecodeOrdersNumericID(t *testing.T) {
	raw := json.RawMessage(`[{"order_id":12345,"symbol":"BTCUSDT","side":"Buy","type":"Limit","quantity":"1","price":"59000","status":"New","filled_quantity":"0"}]`)
	p, warns := DecodePayload(TopicOrders, raw)
	require.Empty(t, warns)

	orders := p.(OrderList)
	require.Len(t, orders, 1)
	assert.Equal(t, "12345", orders[0].OrderID)
	assert.Equal(t, TopicOrders, orders.Topic())
}

func TestDecodeOrdersNotArray(t *testing.T) {
	p, warns := DecodePayload(TopicOrders, json.RawMessage(`{"order_id":"1"}`))
	assert.Empty(t, p.(OrderList))
	require.Len(t, warns, 1)
	assert.Equal(t, "expected array", warns[0].Reason)
	assert.Equal(t, "orders.data: expected array", warns[0].Error())
}
