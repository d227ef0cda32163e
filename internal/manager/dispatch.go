package manager

import (
	"encoding/json"

	"sync-core/internal/cache"
	"sync-core/internal/events"
	"sync-core/internal/model"
	"sync-core/internal/protocol"
)

// dispatch routes one decoded data frame to the reconciliation tracker, the
// order correlator, the cache and the bus. Runs on the connection's read
// goroutine, so handlers must not block.
func (m *Manager) dispatch(brokerID, accountID string, env protocol.Envelope) {
	m.metrics.IncrementReceived()
	switch env.Type {
	case protocol.TypeUserData:
		m.handleUserData(brokerID, accountID, env.Raw)

	case protocol.TypePositionSnapshot:
		var msg protocol.PositionSnapshotMsg
		if err := json.Unmarshal(env.Raw, &msg); err != nil {
			m.logger.Warn("bad position snapshot", "broker", brokerID, "err", err)
			return
		}
		acct := coalesce(msg.AccountID, accountID)
		if t := m.trackerFor(brokerID, accountID); t != nil {
			t.ApplySnapshot(normalizePositions(msg.Positions, acct))
		}

	case protocol.TypePositionOpened, protocol.TypePositionClosed, protocol.TypePositionUpdated:
		var msg protocol.PositionEvent
		if err := json.Unmarshal(env.Raw, &msg); err != nil {
			m.logger.Warn("bad position event", "broker", brokerID, "type", env.Type, "err", err)
			return
		}
		t := m.trackerFor(brokerID, accountID)
		if t == nil {
			return
		}
		p := protocol.NormalizePosition(msg.Position, coalesce(msg.AccountID, accountID))
		switch env.Type {
		case protocol.TypePositionOpened:
			t.ApplyOpened(p)
		case protocol.TypePositionClosed:
			t.ApplyClosed(p)
		case protocol.TypePositionUpdated:
			t.ApplyModified(p)
		}

	case protocol.TypePositionPrice, protocol.TypePositionPnL:
		var tick protocol.PositionTick
		if err := json.Unmarshal(env.Raw, &tick); err != nil {
			m.logger.Warn("bad position tick", "broker", brokerID, "type", env.Type, "err", err)
			return
		}
		t := m.trackerFor(brokerID, accountID)
		if t == nil {
			return
		}
		price, priceOK, pnl, pnlOK := tick.Value()
		if env.Type == protocol.TypePositionPrice && priceOK {
			t.ApplyPrice(tick.Key(), price)
		}
		if pnlOK {
			t.ApplyPnL(tick.Key(), pnl)
		}

	case protocol.TypeAccountUpdate:
		m.handleAccountUpdate(brokerID, env.Raw)

	case protocol.TypeOrderUpdate:
		var msg struct {
			AccountID     string            `json:"accountId"`
			Order         protocol.RawOrder `json:"order"`
			ClientOrderID string            `json:"clientOrderId"`
		}
		if err := json.Unmarshal(env.Raw, &msg); err != nil {
			m.logger.Warn("bad order update", "broker", brokerID, "err", err)
			return
		}
		acct := coalesce(msg.AccountID, accountID)
		o := protocol.NormalizeOrder(msg.Order, acct)
		m.orders.HandleOrderUpdate(acct, o, coalesce(msg.ClientOrderID, msg.Order.ClientID))

	case protocol.TypeMarketData:
		var msg protocol.MarketDataMsg
		if err := json.Unmarshal(env.Raw, &msg); err != nil {
			m.logger.Warn("bad market data", "broker", brokerID, "err", err)
			return
		}
		if msg.Symbol == "" {
			return
		}
		md := protocol.NormalizeMarketData(msg)
		m.cache.Set(cache.MarketData, md.Symbol, md)
		m.bus.Publish(events.EventMarketData, md)

	default:
		m.logger.Debug("unhandled frame", "broker", brokerID, "type", env.Type)
	}
}

// handleUserData applies the initial sync payload: accounts and orders go to
// the cache and bus, positions seed (or merge into) the tracker.
func (m *Manager) handleUserData(brokerID, accountID string, raw json.RawMessage) {
	var msg protocol.UserData
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("bad user data", "broker", brokerID, "err", err)
		return
	}

	for _, ra := range msg.Accounts {
		a := protocol.NormalizeAccount(ra, brokerID)
		if a.AccountID == "" {
			continue
		}
		m.cache.Set(cache.Accounts, a.AccountID, a)
		m.bus.Publish(events.EventAccountUpdate, a)
	}

	for _, ro := range msg.Orders {
		o := protocol.NormalizeOrder(ro, accountID)
		if o.ID == "" {
			continue
		}
		m.orders.HandleOrderUpdate(accountID, o, ro.ClientID)
	}

	if t := m.trackerFor(brokerID, accountID); t != nil {
		t.ApplySnapshot(normalizePositions(msg.Positions, accountID))
	}

	m.logger.Info("initial sync applied",
		"broker", brokerID,
		"account", accountID,
		"accounts", len(msg.Accounts),
		"positions", len(msg.Positions),
		"orders", len(msg.Orders))
}

func (m *Manager) handleAccountUpdate(brokerID string, raw json.RawMessage) {
	var msg struct {
		Account protocol.RawAccount `json:"account"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("bad account update", "broker", brokerID, "err", err)
		return
	}
	ra := msg.Account
	if ra.ID == nil {
		// Flat payload without the wrapper object.
		if err := json.Unmarshal(raw, &ra); err != nil || ra.ID == nil {
			return
		}
	}
	a := protocol.NormalizeAccount(ra, brokerID)
	m.cache.Set(cache.Accounts, a.AccountID, a)
	m.bus.Publish(events.EventAccountUpdate, a)
}

func normalizePositions(raws []protocol.RawPosition, accountID string) []model.Position {
	out := make([]model.Position, 0, len(raws))
	for _, r := range raws {
		out = append(out, protocol.NormalizePosition(r, accountID))
	}
	return out
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
