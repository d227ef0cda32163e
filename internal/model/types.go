// Package model defines the canonical entities shared by the sync layer:
// positions, orders, account snapshots and market data. Upstream payload
// shapes vary per gateway; everything is normalized into these types once,
// at the protocol boundary.
package model

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
	SideFlat  PositionSide = "FLAT"
)

// Position is the canonical position record. Identity is resolved with the
// priority positionID -> contractID -> symbol; Key returns the merge key
// used across snapshot/opened/closed/updated/price events.
type Position struct {
	PositionID string       `json:"position_id"`
	ContractID string       `json:"contract_id"`
	AccountID  string       `json:"account_id"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   float64      `json:"qty"`
	AvgPrice   float64      `json:"avg_price"`
	MarkPrice  float64      `json:"mark_price"`

	UnrealizedPnL float64 `json:"unrealized_pnl"`
	// HasPnL distinguishes "PnL is zero" from "gateway never sent one";
	// snapshot merging keeps the last cached value when it is false.
	HasPnL bool `json:"has_pnl"`

	// New marks a position inserted by an opened event, Closed a position
	// retained during the post-close grace window.
	New      bool      `json:"new,omitempty"`
	Closed   bool      `json:"closed,omitempty"`
	ClosedAt time.Time `json:"closed_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the stable merge identity for the position.
func (p Position) Key() string {
	if p.PositionID != "" {
		return p.PositionID
	}
	if p.ContractID != "" {
		return p.ContractID
	}
	return p.Symbol
}

// OrderStatus tracks an order through its gateway lifecycle.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusWorking   OrderStatus = "WORKING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Order is the canonical order record.
type Order struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"` // BUY or SELL
	Type      string      `json:"type"` // MARKET, LIMIT, STOP
	Qty       float64     `json:"qty"`
	FilledQty float64     `json:"filled_qty"`
	Price     float64     `json:"price"`
	StopPrice float64     `json:"stop_price,omitempty"`
	Status    OrderStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// AccountSnapshot is the canonical account state.
type AccountSnapshot struct {
	AccountID string    `json:"account_id"`
	BrokerID  string    `json:"broker_id"`
	Name      string    `json:"name,omitempty"`
	Balance   float64   `json:"balance"`
	Equity    float64   `json:"equity"`
	Margin    float64   `json:"margin"`
	Currency  string    `json:"currency,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarketData is the canonical quote for one symbol.
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	UpdatedAt time.Time `json:"updated_at"`
}
