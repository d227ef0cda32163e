package protocol

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"sync-core/internal/model"
)

// RawPosition is the union of position shapes the gateways emit. Field
// aliases overlap across brokers; normalization resolves them once here so
// nothing downstream ever touches a raw payload.
type RawPosition struct {
	ID         any    `json:"id"`
	PositionID any    `json:"positionId"`
	ContractID any    `json:"contractId"`
	AccountID  any    `json:"accountId"`
	Symbol     string `json:"symbol"`

	// Quantity: either an explicit side+quantity pair or a signed net
	// position. netPos wins when both are present.
	Side     string `json:"side"`
	Quantity any    `json:"quantity"`
	NetPos   any    `json:"netPos"`

	NetPrice any `json:"netPrice"`
	AvgPrice any `json:"avgPrice"`
	Price    any `json:"price"`

	UnrealizedPnL any `json:"unrealizedPnL"`
	PnL           any `json:"pnl"`
}

// PositionTick is a per-position price or pnl tick.
type PositionTick struct {
	PositionID any    `json:"positionId"`
	ContractID any    `json:"contractId"`
	Symbol     string `json:"symbol"`
	Price      any    `json:"price"`
	PnL        any    `json:"pnl"`
}

// Key resolves the tick's position identity with the usual priority.
func (t PositionTick) Key() string {
	if id := toString(t.PositionID); id != "" {
		return id
	}
	if id := toString(t.ContractID); id != "" {
		return id
	}
	return t.Symbol
}

// Value extracts the tick's numeric payload.
func (t PositionTick) Value() (price float64, priceOK bool, pnl float64, pnlOK bool) {
	price, priceOK = toFloat(t.Price)
	pnl, pnlOK = toFloat(t.PnL)
	return
}

// RawAccount is the union of account shapes.
type RawAccount struct {
	ID       any    `json:"id"`
	Name     string `json:"name"`
	Balance  any    `json:"balance"`
	Equity   any    `json:"equity"`
	Margin   any    `json:"margin"`
	Currency string `json:"currency"`
}

// RawOrder is the union of order shapes.
type RawOrder struct {
	ID        any    `json:"id"`
	OrderID   any    `json:"orderId"`
	ClientID  string `json:"clientOrderId"`
	AccountID any    `json:"accountId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"ordType"`
	Qty       any    `json:"qty"`
	FilledQty any    `json:"filledQty"`
	Price     any    `json:"price"`
	StopPrice any    `json:"stopPrice"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// NormalizePosition converts a raw payload into the canonical position.
// Side falls back to the sign of the net position when not explicit and the
// quantity is always the absolute value.
func NormalizePosition(raw RawPosition, accountID string) model.Position {
	p := model.Position{
		PositionID: toString(firstNonNil(raw.PositionID, raw.ID)),
		ContractID: toString(raw.ContractID),
		Symbol:     raw.Symbol,
		AccountID:  accountID,
		UpdatedAt:  time.Now(),
	}
	if p.AccountID == "" {
		p.AccountID = toString(raw.AccountID)
	}

	qty, hasQty := toFloat(raw.Quantity)
	net, hasNet := toFloat(raw.NetPos)
	switch {
	case hasNet:
		p.Quantity = math.Abs(net)
		switch {
		case net > 0:
			p.Side = model.SideLong
		case net < 0:
			p.Side = model.SideShort
		default:
			p.Side = model.SideFlat
		}
	case hasQty:
		p.Quantity = math.Abs(qty)
		p.Side = sideFromString(raw.Side)
		if p.Quantity == 0 {
			p.Side = model.SideFlat
		}
	default:
		p.Side = sideFromString(raw.Side)
	}

	if v, ok := toFloat(firstNonNil(raw.NetPrice, raw.AvgPrice, raw.Price)); ok {
		p.AvgPrice = v
	}
	if v, ok := toFloat(firstNonNil(raw.UnrealizedPnL, raw.PnL)); ok {
		p.UnrealizedPnL = v
		p.HasPnL = true
	}
	return p
}

// NormalizeAccount converts a raw account payload.
func NormalizeAccount(raw RawAccount, brokerID string) model.AccountSnapshot {
	a := model.AccountSnapshot{
		AccountID: toString(raw.ID),
		BrokerID:  brokerID,
		Name:      raw.Name,
		Currency:  raw.Currency,
		UpdatedAt: time.Now(),
	}
	a.Balance, _ = toFloat(raw.Balance)
	a.Equity, _ = toFloat(raw.Equity)
	a.Margin, _ = toFloat(raw.Margin)
	return a
}

// NormalizeOrder converts a raw order payload.
func NormalizeOrder(raw RawOrder, accountID string) model.Order {
	o := model.Order{
		ID:        toString(firstNonNil(raw.OrderID, raw.ID)),
		AccountID: accountID,
		Symbol:    raw.Symbol,
		Side:      raw.Side,
		Type:      raw.Type,
		Status:    model.OrderStatus(raw.Status),
		Reason:    raw.Reason,
		UpdatedAt: time.Now(),
	}
	if o.ID == "" {
		o.ID = raw.ClientID
	}
	if o.AccountID == "" {
		o.AccountID = toString(raw.AccountID)
	}
	o.Qty, _ = toFloat(raw.Qty)
	o.FilledQty, _ = toFloat(raw.FilledQty)
	o.Price, _ = toFloat(raw.Price)
	o.StopPrice, _ = toFloat(raw.StopPrice)
	return o
}

// NormalizeMarketData converts a quote message.
func NormalizeMarketData(msg MarketDataMsg) model.MarketData {
	md := model.MarketData{Symbol: msg.Symbol, UpdatedAt: time.Now()}
	md.Bid, _ = toFloat(msg.Bid)
	md.Ask, _ = toFloat(msg.Ask)
	md.Volume, _ = toFloat(msg.Volume)
	if v, ok := toFloat(firstNonNil(msg.Last, msg.Price)); ok {
		md.Last = v
	}
	return md
}

func sideFromString(s string) model.PositionSide {
	switch s {
	case "LONG", "long", "BUY", "buy":
		return model.SideLong
	case "SHORT", "short", "SELL", "sell":
		return model.SideShort
	}
	return model.SideFlat
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// toFloat tolerates the number/string ambiguity of gateway JSON.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// toString renders identifiers that arrive as either strings or numbers.
func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprintf("%v", v)
}
