package orders

import (
	"context"
	"strconv"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/schema"
)

// Notification types that report order request outcomes.
const (
	notifyNewRequest    = "on-req"
	notifyUpdateRequest = "ou-req"
	notifyCancelRequest = "oc-req"
)

// HandleNew applies an "on" frame.
func (m *Manager) HandleNew(ctx context.Context, o schema.Order) schema.Order {
	return m.apply(ctx, o, false)
}

// HandleUpdate applies an "ou" frame.
func (m *Manager) HandleUpdate(ctx context.Context, o schema.Order) schema.Order {
	return m.apply(ctx, o, false)
}

// HandleClose applies an "oc" frame. The order moves to the closed set.
func (m *Manager) HandleClose(ctx context.Context, o schema.Order) schema.Order {
	if !o.Status.Closed() {
		o.Status = schema.OrderStatusCanceled
		if !o.AmountOrig.IsZero() && o.Amount.IsZero() {
			o.Status = schema.OrderStatusExecuted
		}
	}
	return m.apply(ctx, o, true)
}

// apply merges a server order into local state and resolves the futures registered under
// its id, cid and gid.
func (m *Manager) apply(ctx context.Context, o schema.Order, closing bool) schema.Order {
	m.mu.Lock()
	if o.CID != 0 {
		if prev, ok := m.pending[o.CID]; ok {
			delete(m.pending, o.CID)
			if o.Symbol == "" {
				o.Symbol = prev.Symbol
			}
		}
	}
	if o.Status == schema.OrderStatusPending {
		o.Status = schema.OrderStatusActive
	}
	if closing {
		delete(m.open, o.ID)
		m.closed.add(o)
	} else if o.ID != 0 {
		stored := o
		m.open[o.ID] = &stored
	}
	futs := m.takeLocked(orderKeys(o.ID, o.CID, o.GID))
	m.mu.Unlock()

	for _, fut := range futs {
		fut.resolve(o, nil)
	}
	m.metrics.RecordOrderEvent(ctx, string(o.Status))
	m.logger.Debug("order event",
		observability.F("id", o.ID),
		observability.F("cid", o.CID),
		observability.F("status", string(o.Status)))
	return o
}

// HandleSnapshot seeds open orders from an "os" frame, replacing the previous open set.
func (m *Manager) HandleSnapshot(ctx context.Context, orders []schema.Order) {
	m.mu.Lock()
	clear(m.open)
	var futs []*Future
	resolved := make([]schema.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == schema.OrderStatusPending {
			o.Status = schema.OrderStatusActive
		}
		delete(m.pending, o.CID)
		stored := o
		m.open[o.ID] = &stored
		for _, fut := range m.takeLocked(orderKeys(o.ID, o.CID, o.GID)) {
			futs = append(futs, fut)
			resolved = append(resolved, o)
		}
	}
	m.mu.Unlock()

	for i, fut := range futs {
		fut.resolve(resolved[i], nil)
	}
	m.logger.Info("order snapshot", observability.F("open", len(orders)))
}

// HandleNotification rejects requests reported as failed. A failed new-order request
// closes the pending order as canceled.
func (m *Manager) HandleNotification(ctx context.Context, n schema.Notification) {
	if !n.Failed() || n.Order == nil {
		return
	}
	rejected := errs.Derive(errs.ErrOrderRejected, "orders",
		errs.WithRawCode(strconv.FormatInt(n.Code, 10)),
		errs.WithRawMessage(n.Text),
		errs.WithField("request", n.Type))
	o := *n.Order

	var keys []Key
	m.mu.Lock()
	switch n.Type {
	case notifyNewRequest:
		if prev, ok := m.pending[o.CID]; ok {
			delete(m.pending, o.CID)
			closed := *prev
			closed.Status = schema.OrderStatusCanceled
			closed.RawStatus = n.Text
			m.closed.add(closed)
			o = closed
		} else {
			o.Status = schema.OrderStatusCanceled
			o.RawStatus = n.Text
		}
		keys = orderKeys(0, o.CID, o.GID)
	case notifyUpdateRequest, notifyCancelRequest:
		keys = orderKeys(o.ID, o.CID, 0)
		if open, ok := m.open[o.ID]; ok {
			o = *open
		}
	default:
		m.mu.Unlock()
		return
	}
	futs := m.takeLocked(keys)
	m.mu.Unlock()

	m.logger.Warn("order request failed",
		observability.F("request", n.Type),
		observability.F("cid", o.CID),
		observability.F("text", n.Text))
	for _, fut := range futs {
		fut.resolve(o, rejected)
	}
	if n.Type == notifyNewRequest {
		m.metrics.RecordOrderEvent(ctx, string(schema.OrderStatusCanceled))
	}
}

// Abandon resolves every outstanding future with ErrSessionClosed. Pending orders stay
// pending; no cancel is sent for them.
func (m *Manager) Abandon(cause error) {
	m.mu.Lock()
	var futs []*Future
	for key, list := range m.waiters {
		futs = append(futs, list...)
		delete(m.waiters, key)
	}
	m.mu.Unlock()

	opts := []errs.Option{errs.WithMessage("order outcome unknown")}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	err := errs.Derive(errs.ErrSessionClosed, "orders", opts...)
	for _, fut := range futs {
		fut.resolve(schema.Order{}, err)
	}
}

// Order looks up an order by key: open first, then pending, then recently closed.
func (m *Manager) Order(key Key) (schema.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.Kind == KindID {
		if o, ok := m.open[key.Value]; ok {
			return *o, nil
		}
	} else {
		for _, o := range m.open {
			if matches(*o, key) {
				return *o, nil
			}
		}
	}
	for _, o := range m.pending {
		if matches(*o, key) {
			return *o, nil
		}
	}
	if o, ok := m.closed.find(key); ok {
		return o, nil
	}
	return schema.Order{}, errs.Derive(errs.ErrOrderNotFound, "orders", errs.WithField("key", key.String()))
}

// Open returns every open order.
func (m *Manager) Open() []schema.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, *o)
	}
	return out
}

// Pending returns every submitted order not yet confirmed.
func (m *Manager) Pending() []schema.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.Order, 0, len(m.pending))
	for _, o := range m.pending {
		out = append(out, *o)
	}
	return out
}
