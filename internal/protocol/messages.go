// Package protocol defines the JSON wire taxonomy spoken over the gateway
// socket and the single normalization step that converts raw gateway payloads
// into canonical model types.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeConnectionTest      = "connection_test"
	TypeConnectionEstab     = "connection_established"
	TypeValidationProgress  = "validation_progress"
	TypeConnectionState     = "connection_state"
	TypeConnectionReady     = "connection_ready"
	TypeSessionInfo         = "session_info"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeUserData            = "user_data"
	TypePositionOpened      = "position_opened"
	TypePositionClosed      = "position_closed"
	TypePositionUpdated     = "position_updated"
	TypePositionPrice       = "position_price_update"
	TypePositionPnL         = "position_pnl_update"
	TypePositionSnapshot    = "position_snapshot"
	TypeAccountUpdate       = "account_update"
	TypeOrderUpdate         = "order_update"
	TypeMarketData          = "market_data"
)

// Outbound message types.
const (
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeOrder              = "order"
	TypeCancelOrder        = "cancel_order"
	TypeGetPositions       = "get_positions"
	TypeConnectionTestResp = "connection_test_response"
)

// Envelope is one decoded inbound frame: the type tag plus the raw payload
// for a second, type-directed decode.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Decode extracts the type tag from a raw frame.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing type tag")
	}
	return Envelope{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// ConnectionState carries a server-driven handshake phase change.
type ConnectionState struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ValidationProgress reports progress inside one handshake phase.
type ValidationProgress struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SessionInfo delivers the resumption token for this session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
}

// UserData is the initial sync payload sent once the broker link is up.
type UserData struct {
	Accounts  []RawAccount      `json:"accounts"`
	Positions []RawPosition     `json:"positions"`
	Orders    []RawOrder        `json:"orders"`
	Contracts []json.RawMessage `json:"contracts"`
}

// MarketDataMsg is a quote update for one symbol.
type MarketDataMsg struct {
	Symbol string `json:"symbol"`
	Bid    any    `json:"bid"`
	Ask    any    `json:"ask"`
	Last   any    `json:"last"`
	Price  any    `json:"price"` // some gateways send only a single price
	Volume any    `json:"volume"`
}

// PositionEvent wraps a single raw position for the incremental events.
type PositionEvent struct {
	AccountID string      `json:"accountId"`
	Position  RawPosition `json:"position"`
}

// PositionSnapshotMsg replaces the working set for one account.
type PositionSnapshotMsg struct {
	AccountID string        `json:"accountId"`
	Positions []RawPosition `json:"positions"`
}

// Outbound constructors. Frames are plain maps so optional fields stay
// absent rather than null.

func SubscribeMsg(symbol, subscriptionType string) map[string]any {
	return map[string]any{
		"type":             TypeSubscribe,
		"symbol":           symbol,
		"subscriptionType": subscriptionType,
	}
}

func UnsubscribeMsg(symbol, subscriptionType string) map[string]any {
	return map[string]any{
		"type":             TypeUnsubscribe,
		"symbol":           symbol,
		"subscriptionType": subscriptionType,
	}
}

func OrderMsg(orderData map[string]any) map[string]any {
	return map[string]any{"type": TypeOrder, "orderData": orderData}
}

func CancelOrderMsg(orderID string) map[string]any {
	return map[string]any{"type": TypeCancelOrder, "orderId": orderID}
}

func GetPositionsMsg(accountID string) map[string]any {
	return map[string]any{"type": TypeGetPositions, "accountId": accountID}
}

func PingMsg() map[string]any { return map[string]any{"type": TypePing} }

func PongMsg() map[string]any { return map[string]any{"type": TypePong} }

func ConnectionTestResponseMsg() map[string]any {
	return map[string]any{"type": TypeConnectionTestResp}
}
