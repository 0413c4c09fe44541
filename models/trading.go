package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the tagged union of topic-shaped records.
type Payload interface {
	Topic() Topic
}

// Balance is the account balance snapshot pushed on balance_update.
type Balance struct {
	Coin      string          `json:"coin"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
	Equity    decimal.Decimal `json:"equity"`
}

// Position is a single open position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
}

// PositionList is the full position set pushed on positions_update.
type PositionList []Position

// PnL summarises unrealized profit and loss.
type PnL struct {
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	PositionCount      int             `json:"position_count"`
	Positions          []Position      `json:"positions,omitempty"`
}

// Order is a single open or recent order.
type Order struct {
	OrderID        string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
}

// OrderList is the full order set pushed on orders_update.
type OrderList []Order

func (Balance) Topic() Topic      { return TopicBalance }
func (PositionList) Topic() Topic { return TopicPositions }
func (PnL) Topic() Topic          { return TopicPnL }
func (OrderList) Topic() Topic    { return TopicOrders }

// Update is one decoded push for a topic.
type Update struct {
	Topic      Topic     `json:"topic"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	// ServerTime is zero when the server did not stamp the push.
	ServerTime time.Time `json:"server_time,omitempty"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// Warning is a data-quality finding raised instead of a parse failure.
type Warning struct {
	Topic  Topic  `json:"topic"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s.%s: %s", w.Topic, w.Field, w.Reason)
}
