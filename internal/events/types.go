package events

import (
	"sync-core/internal/model"
)

// Event enumerates the topics emitted by the sync layer.
type Event string

const (
	EventConnectionState Event = "connection_state"
	EventConnectionError Event = "connection_error"
	EventPositionUpdate  Event = "position_update"
	EventPositionsPnL    Event = "positions_pnl"
	EventAccountUpdate   Event = "account_update"
	EventOrderUpdate     Event = "order_update"
	EventMarketData      Event = "market_data"
	EventSyncDegraded    Event = "sync_degraded"
)

// PositionUpdateKind describes which class of change produced the update.
type PositionUpdateKind string

const (
	PositionSnapshot PositionUpdateKind = "snapshot"
	PositionOpened   PositionUpdateKind = "opened"
	PositionClosed   PositionUpdateKind = "closed"
	PositionModified PositionUpdateKind = "modified"
	PositionPrice    PositionUpdateKind = "price"
	PositionPnL      PositionUpdateKind = "pnl"
)

// ConnectionStatePayload reports a connection state transition.
type ConnectionStatePayload struct {
	BrokerID  string
	AccountID string
	State     string
	Message   string
	Err       error
}

// PositionUpdatePayload carries one position change.
type PositionUpdatePayload struct {
	AccountID string
	Kind      PositionUpdateKind
	Position  model.Position
}

// PositionsPnLPayload carries the recomputed aggregate for one account.
type PositionsPnLPayload struct {
	AccountID     string
	UnrealizedPnL float64
	OpenCount     int
}

// DegradedPayload flags the reconciliation layer's health for one account.
type DegradedPayload struct {
	AccountID string
	Degraded  bool
	Reason    string
}
