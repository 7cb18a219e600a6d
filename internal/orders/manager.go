// Package orders tracks outgoing orders against the asynchronous confirmations of the
// authenticated stream.
package orders

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/schema"
	"github.com/coachpo/bfxstream/internal/telemetry"
	"github.com/coachpo/bfxstream/internal/wire"
)

const defaultClosedCapacity = 1000

const cidDateLayout = "2006-01-02"

// Sender writes command frames on the authenticated connection.
type Sender interface {
	SendCommand(ctx context.Context, frame []byte) error
}

// Config configures a Manager.
type Config struct {
	// ClosedCapacity bounds how many closed orders stay available for lookup.
	ClosedCapacity int
	Logger         observability.Logger
	Metrics        *telemetry.StreamMetrics
	Now            func() time.Time
}

// OrderParams describes a new order. Zero prices are omitted.
type OrderParams struct {
	GID           int64
	Type          string
	Symbol        string
	Amount        decimal.Decimal
	Price         decimal.Decimal
	PriceTrailing decimal.Decimal
	PriceAuxLimit decimal.Decimal
	PriceOCOStop  decimal.Decimal
	Flags         int64
	Leverage      int
	TIF           string
	Meta          map[string]string
}

// Ref references one order by server id, or by client id and its creation date.
type Ref struct {
	ID  int64
	CID int64
	// CIDDate is the UTC day the cid was issued; derived from the cid when empty.
	CIDDate string
}

// UpdateParams changes an open order. Zero values are left unchanged.
type UpdateParams struct {
	Ref           Ref
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Delta         decimal.Decimal
	PriceAuxLimit decimal.Decimal
	PriceTrailing decimal.Decimal
	Flags         int64
	TIF           string
}

// CancelManyParams selects orders for a multi-cancel. All overrides the lists.
type CancelManyParams struct {
	IDs  []int64
	CIDs []Ref
	GIDs []int64
	All  bool
}

// Manager owns pending, open and recently closed orders and the futures waiting on them.
type Manager struct {
	sender  Sender
	logger  observability.Logger
	metrics *telemetry.StreamMetrics
	now     func() time.Time

	mu      sync.Mutex
	lastCID int64
	pending map[int64]*schema.Order
	open    map[int64]*schema.Order
	closed  *closedSet
	waiters map[Key][]*Future
}

// NewManager creates a manager sending commands through sender.
func NewManager(sender Sender, cfg Config) *Manager {
	if cfg.ClosedCapacity <= 0 {
		cfg.ClosedCapacity = defaultClosedCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sender:  sender,
		logger:  observability.With(cfg.Logger, observability.F("component", "orders")),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		pending: make(map[int64]*schema.Order),
		open:    make(map[int64]*schema.Order),
		closed:  newClosedSet(cfg.ClosedCapacity),
		waiters: make(map[Key][]*Future),
	}
}

// nextCIDLocked returns a millisecond timestamp, bumped to stay strictly increasing.
func (m *Manager) nextCIDLocked() int64 {
	cid := m.now().UnixMilli()
	if cid <= m.lastCID {
		cid = m.lastCID + 1
	}
	m.lastCID = cid
	return cid
}

// Submit sends a new order. The future resolves on the first confirmation carrying the
// returned cid, or with ErrOrderRejected when the request fails.
func (m *Manager) Submit(ctx context.Context, p OrderParams) (cid int64, fut *Future, err error) {
	ctx, span := m.startSpan(ctx, wire.TagOrderNew, p.Symbol)
	defer endSpan(span, &err)

	m.mu.Lock()
	cid = m.nextCIDLocked()
	order := &schema.Order{
		GID:        p.GID,
		CID:        cid,
		Symbol:     p.Symbol,
		CreatedAt:  time.UnixMilli(cid).UTC(),
		Amount:     p.Amount,
		AmountOrig: p.Amount,
		Type:       p.Type,
		Flags:      p.Flags,
		Status:     schema.OrderStatusPending,
		Price:      p.Price,
	}
	m.pending[cid] = order
	fut = m.watchLocked(ByCID(cid))
	m.mu.Unlock()

	frame, err := wire.OrderCommand(wire.TagOrderNew, wire.NewOrder{
		GID:           p.GID,
		CID:           cid,
		Type:          p.Type,
		Symbol:        p.Symbol,
		Amount:        p.Amount,
		Price:         optional(p.Price),
		PriceTrailing: optional(p.PriceTrailing),
		PriceAuxLimit: optional(p.PriceAuxLimit),
		PriceOCOStop:  optional(p.PriceOCOStop),
		Flags:         p.Flags,
		Lev:           p.Leverage,
		TIF:           p.TIF,
		Meta:          p.Meta,
	})
	if err == nil {
		err = m.sender.SendCommand(ctx, frame)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.pending, cid)
		m.unwatchLocked(ByCID(cid), fut)
		m.mu.Unlock()
		return 0, nil, err
	}
	m.metrics.RecordOrderEvent(ctx, string(schema.OrderStatusPending))
	return cid, fut, nil
}

// Update sends an order update. The future resolves on the next frame for the order.
func (m *Manager) Update(ctx context.Context, p UpdateParams) (fut *Future, err error) {
	ctx, span := m.startSpan(ctx, wire.TagOrderUpdate, "")
	defer endSpan(span, &err)

	id, err := m.serverID(p.Ref)
	if err != nil {
		return nil, err
	}
	frame, err := wire.OrderCommand(wire.TagOrderUpdate, wire.UpdateOrder{
		ID:            id,
		Price:         optional(p.Price),
		Amount:        optional(p.Amount),
		Delta:         optional(p.Delta),
		PriceAuxLimit: optional(p.PriceAuxLimit),
		PriceTrailing: optional(p.PriceTrailing),
		Flags:         p.Flags,
		TIF:           p.TIF,
	})
	if err != nil {
		return nil, err
	}
	return m.sendWatched(ctx, frame, ByID(id))
}

// Cancel sends an order cancel. The future resolves with the close confirmation.
func (m *Manager) Cancel(ctx context.Context, ref Ref) (fut *Future, err error) {
	ctx, span := m.startSpan(ctx, wire.TagOrderCancel, "")
	defer endSpan(span, &err)

	var body wire.CancelOrder
	var key Key
	switch {
	case ref.ID != 0:
		body, key = wire.CancelOrder{ID: ref.ID}, ByID(ref.ID)
	case ref.CID != 0:
		body, key = wire.CancelOrder{CID: ref.CID, CIDDate: cidDate(ref)}, ByCID(ref.CID)
	default:
		return nil, invalidRef()
	}
	frame, err := wire.OrderCommand(wire.TagOrderCancel, body)
	if err != nil {
		return nil, err
	}
	return m.sendWatched(ctx, frame, key)
}

// CancelMany sends a multi-cancel. One future is returned per listed id, cid and gid;
// a cancel-all returns none.
func (m *Manager) CancelMany(ctx context.Context, p CancelManyParams) (futs []*Future, err error) {
	ctx, span := m.startSpan(ctx, wire.TagOrderCancelMulti, "")
	defer endSpan(span, &err)

	var body wire.CancelMulti
	var keys []Key
	if p.All {
		body.All = 1
	} else {
		for _, id := range p.IDs {
			body.ID = append(body.ID, id)
			keys = append(keys, ByID(id))
		}
		for _, ref := range p.CIDs {
			if ref.CID == 0 {
				return nil, invalidRef()
			}
			body.CID = append(body.CID, [2]any{ref.CID, cidDate(ref)})
			keys = append(keys, ByCID(ref.CID))
		}
		for _, gid := range p.GIDs {
			body.GID = append(body.GID, gid)
			keys = append(keys, ByGID(gid))
		}
		if len(keys) == 0 {
			return nil, errs.New("orders", errs.CodeInvalid, errs.WithMessage("nothing to cancel"))
		}
	}
	frame, err := wire.OrderCommand(wire.TagOrderCancelMulti, body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, key := range keys {
		futs = append(futs, m.watchLocked(key))
	}
	m.mu.Unlock()
	if err := m.sender.SendCommand(ctx, frame); err != nil {
		m.mu.Lock()
		for i, key := range keys {
			m.unwatchLocked(key, futs[i])
		}
		m.mu.Unlock()
		return nil, err
	}
	return futs, nil
}

// Watch registers a future resolved by the next frame touching key.
func (m *Manager) Watch(key Key) *Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchLocked(key)
}

func (m *Manager) sendWatched(ctx context.Context, frame []byte, key Key) (*Future, error) {
	m.mu.Lock()
	fut := m.watchLocked(key)
	m.mu.Unlock()
	if err := m.sender.SendCommand(ctx, frame); err != nil {
		m.mu.Lock()
		m.unwatchLocked(key, fut)
		m.mu.Unlock()
		return nil, err
	}
	return fut, nil
}

func (m *Manager) watchLocked(key Key) *Future {
	fut := newFuture()
	m.waiters[key] = append(m.waiters[key], fut)
	return fut
}

func (m *Manager) unwatchLocked(key Key, fut *Future) {
	list := m.waiters[key]
	for i, f := range list {
		if f == fut {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.waiters, key)
		return
	}
	m.waiters[key] = list
}

// takeLocked removes and returns every distinct future registered under keys.
func (m *Manager) takeLocked(keys []Key) []*Future {
	var out []*Future
	seen := make(map[*Future]struct{})
	for _, key := range keys {
		for _, fut := range m.waiters[key] {
			if _, dup := seen[fut]; dup {
				continue
			}
			seen[fut] = struct{}{}
			out = append(out, fut)
		}
		delete(m.waiters, key)
	}
	return out
}

func (m *Manager) serverID(ref Ref) (int64, error) {
	if ref.ID != 0 {
		return ref.ID, nil
	}
	if ref.CID == 0 {
		return 0, invalidRef()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.open {
		if o.CID == ref.CID {
			return id, nil
		}
	}
	return 0, errs.Derive(errs.ErrOrderNotFound, "orders",
		errs.WithMessage("order has no server id yet"),
		errs.WithField("cid", strconv.FormatInt(ref.CID, 10)))
}

func cidDate(ref Ref) string {
	if ref.CIDDate != "" {
		return ref.CIDDate
	}
	return time.UnixMilli(ref.CID).UTC().Format(cidDateLayout)
}

func invalidRef() error {
	return errs.New("orders", errs.CodeInvalid, errs.WithMessage("order reference needs an id or cid"))
}

func optional(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

func (m *Manager) startSpan(ctx context.Context, command, symbol string) (context.Context, trace.Span) {
	attrs := []trace.SpanStartOption{trace.WithAttributes(telemetry.AttrCommand.String(command))}
	if symbol != "" {
		attrs = append(attrs, trace.WithAttributes(telemetry.AttrSymbol.String(symbol)))
	}
	return telemetry.Tracer().Start(ctx, "orders."+command, attrs...)
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
