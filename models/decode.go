package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var defaultLeverage = decimal.NewFromInt(1)

// DecodePayload decodes the data member of a topic push. It never fails:
// malformed or missing fields fall back to neutral values and are reported
// as warnings.
func DecodePayload(topic Topic, raw json.RawMessage) (Payload, []Warning) {
	d := &decoder{topic: topic}
	switch topic {
	case TopicBalance:
		return d.balance(raw), d.warnings
	case TopicPositions:
		return PositionList(d.positions("data", raw, true)), d.warnings
	case TopicPnL:
		return d.pnl(raw), d.warnings
	case TopicOrders:
		return d.orders(raw), d.warnings
	default:
		d.warn("data", fmt.Sprintf("unknown topic %q", topic))
		return nil, d.warnings
	}
}

type decoder struct {
	topic    Topic
	warnings []Warning
}

func (d *decoder) warn(field, reason string) {
	d.warnings = append(d.warnings, Warning{Topic: d.topic, Field: field, Reason: reason})
}

func (d *decoder) balance(raw json.RawMessage) Balance {
	obj := d.object("data", raw)
	return Balance{
		Coin:      d.str(obj, "data", "coin"),
		Available: d.dec(obj, "data", "available", decimal.Zero),
		Total:     d.dec(obj, "data", "total", decimal.Zero),
		Equity:    d.dec(obj, "data", "equity", decimal.Zero),
	}
}

func (d *decoder) pnl(raw json.RawMessage) PnL {
	obj := d.object("data", raw)
	out := PnL{
		TotalUnrealizedPnL: d.dec(obj, "data", "total_unrealized_pnl", decimal.Zero),
		PositionCount:      d.integer(obj, "data", "position_count"),
	}
	if v, ok := obj["positions"]; ok && !isNull(v) {
		out.Positions = d.positions("data.positions", v, false)
	}
	return out
}

func (d *decoder) positions(path string, raw json.RawMessage, required bool) []Position {
	items := d.array(path, raw, required)
	out := make([]Position, 0, len(items))
	for i, item := range items {
		p := fmt.Sprintf("%s[%d]", path, i)
		obj, ok := d.element(p, item)
		if !ok {
			continue
		}
		out = append(out, Position{
			Symbol:        d.str(obj, p, "symbol"),
			Side:          d.str(obj, p, "side"),
			Size:          d.dec(obj, p, "size", decimal.Zero),
			EntryPrice:    d.dec(obj, p, "entry_price", decimal.Zero),
			MarkPrice:     d.dec(obj, p, "mark_price", decimal.Zero),
			UnrealizedPnL: d.dec(obj, p, "unrealized_pnl", decimal.Zero),
			Leverage:      d.dec(obj, p, "leverage", defaultLeverage),
		})
	}
	return out
}

func (d *decoder) orders(raw json.RawMessage) OrderList {
	items := d.array("data", raw, true)
	out := make(OrderList, 0, len(items))
	for i, item := range items {
		p := fmt.Sprintf("data[%d]", i)
		obj, ok := d.element(p, item)
		if !ok {
			continue
		}
		out = append(out, Order{
			OrderID:        d.str(obj, p, "order_id"),
			Symbol:         d.str(obj, p, "symbol"),
			Side:           d.str(obj, p, "side"),
			Type:           d.str(obj, p, "type"),
			Quantity:       d.dec(obj, p, "quantity", decimal.Zero),
			Price:          d.dec(obj, p, "price", decimal.Zero),
			Status:         d.str(obj, p, "status"),
			FilledQuantity: d.dec(obj, p, "filled_quantity", decimal.Zero),
		})
	}
	return out
}

func (d *decoder) object(path string, raw json.RawMessage) map[string]json.RawMessage {
	obj := map[string]json.RawMessage{}
	if isNull(raw) {
		d.warn(path, "missing")
		return obj
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		d.warn(path, "expected object")
		return map[string]json.RawMessage{}
	}
	return obj
}

func (d *decoder) element(path string, raw json.RawMessage) (map[string]json.RawMessage, bool) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil || isNull(raw) {
		d.warn(path, "expected object, entry skipped")
		return nil, false
	}
	return obj, true
}

func (d *decoder) array(path string, raw json.RawMessage, required bool) []json.RawMessage {
	var items []json.RawMessage
	if isNull(raw) {
		if required {
			d.warn(path, "missing")
		}
		return nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		d.warn(path, "expected array")
		return nil
	}
	return items
}

func (d *decoder) str(obj map[string]json.RawMessage, path, name string) string {
	raw, ok := obj[name]
	if !ok || isNull(raw) {
		d.warn(path+"."+name, "missing")
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// numeric identifiers are common for order ids
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	d.warn(path+"."+name, "expected string")
	return ""
}

func (d *decoder) dec(obj map[string]json.RawMessage, path, name string, def decimal.Decimal) decimal.Decimal {
	raw, ok := obj[name]
	if !ok || isNull(raw) {
		d.warn(path+"."+name, "missing")
		return def
	}
	text := string(bytes.TrimSpace(raw))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.warn(path+"."+name, "invalid string")
			return def
		}
		text = strings.TrimSpace(s)
	}
	v, err := decimal.NewFromString(text)
	if err != nil {
		d.warn(path+"."+name, "expected number")
		return def
	}
	return v
}

func (d *decoder) integer(obj map[string]json.RawMessage, path, name string) int {
	raw, ok := obj[name]
	if !ok || isNull(raw) {
		d.warn(path+"."+name, "missing")
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.warn(path+"."+name, "expected integer")
			return 0
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := strconv.Atoi(n.String()); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil && f == float64(int(f)) {
		return int(f)
	}
	d.warn(path+"."+name, "expected integer")
	return 0
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
