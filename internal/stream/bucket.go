package stream

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/schema"
	"github.com/coachpo/bfxstream/internal/telemetry"
	"github.com/coachpo/bfxstream/internal/wire"
)

// DefaultCapacity is the number of channels the server accepts on one connection.
const DefaultCapacity = 25

const stoppedEmitTimeout = time.Second

// BucketConfig configures a Bucket.
type BucketConfig struct {
	ID       string
	Capacity int
	// Flags are sent in a conf event after every connect; 0 sends nothing.
	Flags int64
	// AutoResync resubscribes a book after a checksum mismatch.
	AutoResync bool
	Runner     RunnerConfig
	Emitter    Emitter
	Observer   BookObserver
}

type bucketHooks struct {
	removed func(b *Bucket, sub Subscription)
	stopped func(b *Bucket, err error)
}

// Bucket is one connection carrying up to Capacity channel subscriptions.
type Bucket struct {
	cfg     BucketConfig
	ctx     context.Context
	runner  *Runner
	logger  observability.Logger
	metrics *telemetry.StreamMetrics
	hooks   bucketHooks

	mu     sync.Mutex
	conn   *Conn
	subs   map[string]*subscription
	order  []string
	byChan map[int64]*subscription
}

// NewBucket creates a bucket. Nothing is dialed until Start.
func NewBucket(ctx context.Context, cfg BucketConfig) *Bucket {
	return newBucket(ctx, cfg, bucketHooks{})
}

func newBucket(ctx context.Context, cfg BucketConfig, hooks bucketHooks) *Bucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Emitter == nil {
		cfg.Emitter = discard{}
	}
	if cfg.ID == "" {
		cfg.ID = "bucket-" + uuid.NewString()[:8]
	}
	cfg.Runner.Name = cfg.ID
	b := &Bucket{
		cfg:     cfg,
		ctx:     ctx,
		logger:  observability.With(cfg.Runner.Logger, observability.F("bucket", cfg.ID)),
		metrics: cfg.Runner.Metrics,
		hooks:   hooks,
		subs:    make(map[string]*subscription),
		byChan:  make(map[int64]*subscription),
	}
	b.runner = NewRunner(ctx, cfg.Runner, b)
	return b
}

// ID returns the bucket id.
func (b *Bucket) ID() string { return b.cfg.ID }

// Start dials the connection and waits until it is open.
func (b *Bucket) Start(ctx context.Context) error { return b.runner.Start(ctx) }

// Close shuts the connection down without waiting.
func (b *Bucket) Close() { b.runner.Close() }

// Done is closed once the connection loop has exited.
func (b *Bucket) Done() <-chan struct{} { return b.runner.Done() }

// Err returns the fatal error that stopped the bucket, if any.
func (b *Bucket) Err() error { return b.runner.Err() }

// Connected reports whether the connection is open.
func (b *Bucket) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Len returns the number of occupied slots.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Spare returns the number of free slots.
func (b *Bucket) Spare() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Capacity - len(b.subs)
}

// Subscriptions returns every subscription in insertion order.
func (b *Bucket) Subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Subscription, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.subs[id].snapshot(b.cfg.ID))
	}
	return out
}

// Subscription returns one subscription by id.
func (b *Bucket) Subscription(subID string) (Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subID]
	if !ok {
		return Subscription{}, false
	}
	return sub.snapshot(b.cfg.ID), true
}

// Book returns a copy of the replicated book of a book subscription.
func (b *Bucket) Book(subID string) (book.Snapshot, error) {
	b.mu.Lock()
	sub, ok := b.subs[subID]
	b.mu.Unlock()
	if !ok || sub.book == nil {
		return book.Snapshot{}, errs.Derive(errs.ErrUnknownSubscription, "stream/bucket",
			errs.WithMessage("no replicated book"),
			errs.WithField("sub_id", subID))
	}
	return sub.book.Snapshot(), nil
}

// Subscribe adds a subscription with a fresh id and sends it when connected.
func (b *Bucket) Subscribe(ctx context.Context, channel string, params map[string]string) (string, error) {
	id := uuid.NewString()
	if err := b.subscribe(ctx, id, channel, params); err != nil {
		return "", err
	}
	return id, nil
}

func (b *Bucket) subscribe(ctx context.Context, id, channel string, params map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, err := b.reserveLocked(ctx, id, channel, params)
	if err != nil {
		return err
	}
	b.sendSubscribeLocked(ctx, sub)
	return nil
}

// reserve takes a slot for a subscription without sending anything; flush sends it.
func (b *Bucket) reserve(ctx context.Context, id, channel string, params map[string]string) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserveLocked(ctx, id, channel, params)
}

func (b *Bucket) reserveLocked(ctx context.Context, id, channel string, params map[string]string) (*subscription, error) {
	sub := newSubscription(id, channel, params)
	if len(b.subs) >= b.cfg.Capacity {
		return nil, errs.Derive(errs.ErrCapacityExceeded, "stream/bucket",
			errs.WithField("bucket", b.cfg.ID),
			errs.WithField("capacity", strconv.Itoa(b.cfg.Capacity)))
	}
	for _, existing := range b.subs {
		if existing.key == sub.key {
			return nil, errs.Derive(errs.ErrAlreadySubscribed, "stream/bucket",
				errs.WithField("sub_id", existing.id),
				errs.WithField("key", sub.key))
		}
	}
	b.subs[id] = sub
	b.order = append(b.order, id)
	b.metrics.SubscriptionDelta(ctx, channel, 1)
	return sub, nil
}

// flush sends a reserved subscription unless the current connection already carried it.
func (b *Bucket) flush(ctx context.Context, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub.id] != sub || sub.state != SubPending || sub.sentOn == b.conn {
		return
	}
	b.sendSubscribeLocked(ctx, sub)
}

// Unsubscribe removes a subscription. Confirmed subscriptions are removed once the server
// confirms; pending ones are unsubscribed as soon as their subscription is acknowledged.
func (b *Bucket) Unsubscribe(ctx context.Context, subID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subID]
	if !ok {
		b.mu.Unlock()
		return errs.Derive(errs.ErrUnknownSubscription, "stream/bucket", errs.WithField("sub_id", subID))
	}
	var removed *subscription
	switch sub.state {
	case SubConfirmed:
		sub.state = SubUnsubscribing
		b.sendUnsubscribeLocked(ctx, sub)
	case SubPending:
		if b.conn == nil || sub.sentOn != b.conn {
			b.removeLocked(sub)
			removed = sub
		} else {
			sub.state = SubUnsubscribing
		}
	case SubUnsubscribing:
		sub.resubscribe = false
	}
	b.mu.Unlock()

	if removed != nil {
		b.finishRemoval(ctx, removed)
	}
	return nil
}

// Resubscribe drops and re-requests a confirmed subscription on the same bucket, keeping
// its id. Its book refuses updates until the new snapshot arrives. A pending subscription
// already awaits a fresh snapshot; one being unsubscribed cannot be resubscribed.
func (b *Bucket) Resubscribe(ctx context.Context, subID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subID]
	if !ok {
		return errs.Derive(errs.ErrUnknownSubscription, "stream/bucket", errs.WithField("sub_id", subID))
	}
	return b.resubscribeLocked(ctx, sub)
}

func (b *Bucket) resubscribeLocked(ctx context.Context, sub *subscription) error {
	switch {
	case sub.state == SubPending, sub.state == SubUnsubscribing && sub.resubscribe:
		if sub.book != nil {
			sub.book.Reset()
		}
		return nil
	case sub.state == SubUnsubscribing:
		return errs.Derive(errs.ErrUnknownSubscription, "stream/bucket",
			errs.WithMessage("unsubscribe in progress"),
			errs.WithField("sub_id", sub.id))
	}
	sub.state = SubUnsubscribing
	sub.resubscribe = true
	if sub.book != nil {
		sub.book.Reset()
	}
	b.sendUnsubscribeLocked(ctx, sub)
	return nil
}

func (b *Bucket) sendSubscribeLocked(ctx context.Context, sub *subscription) {
	if b.conn == nil {
		return
	}
	frame, err := wire.Subscribe(sub.channel, sub.id, sub.params)
	if err != nil {
		b.logger.Error("encode subscribe", observability.F("sub_id", sub.id), observability.Err(err))
		return
	}
	sub.sentOn = b.conn
	if err := b.conn.Write(ctx, frame); err != nil {
		b.logger.Warn("send subscribe", observability.F("sub_id", sub.id), observability.Err(err))
	}
}

func (b *Bucket) sendUnsubscribeLocked(ctx context.Context, sub *subscription) {
	if b.conn == nil || sub.chanID == 0 {
		return
	}
	frame, err := wire.Unsubscribe(sub.chanID)
	if err != nil {
		b.logger.Error("encode unsubscribe", observability.F("sub_id", sub.id), observability.Err(err))
		return
	}
	if err := b.conn.Write(ctx, frame); err != nil {
		b.logger.Warn("send unsubscribe", observability.F("sub_id", sub.id), observability.Err(err))
	}
}

func (b *Bucket) removeLocked(sub *subscription) {
	delete(b.subs, sub.id)
	if sub.chanID != 0 && b.byChan[sub.chanID] == sub {
		delete(b.byChan, sub.chanID)
	}
	b.order = slices.DeleteFunc(b.order, func(id string) bool { return id == sub.id })
}

func (b *Bucket) finishRemoval(ctx context.Context, sub *subscription) {
	b.metrics.SubscriptionDelta(ctx, sub.channel, -1)
	b.emit(ctx, schema.Event{
		Type:       schema.EventTypeUnsubscribed,
		Source:     b.cfg.ID,
		SubID:      sub.id,
		Symbol:     sub.symbol(),
		ReceivedAt: time.Now(),
		Payload:    schema.SubscriptionPayload{Channel: sub.channel, Params: sub.snapshot(b.cfg.ID).Params},
	})
	if b.hooks.removed != nil {
		b.hooks.removed(b, sub.snapshot(b.cfg.ID))
	}
}

func (b *Bucket) emit(ctx context.Context, evt schema.Event) {
	if err := b.cfg.Emitter.Emit(ctx, evt); err != nil {
		b.logger.Debug("event dropped", observability.F("type", string(evt.Type)), observability.Err(err))
	}
}

// Opened sends the conf flags and replays every pending subscription.
func (b *Bucket) Opened(ctx context.Context, conn *Conn) error {
	if b.cfg.Flags != 0 {
		frame, err := wire.Conf(b.cfg.Flags)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, frame); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.conn = conn
	for _, id := range b.order {
		if sub := b.subs[id]; sub.state == SubPending {
			b.sendSubscribeLocked(ctx, sub)
		}
	}
	b.mu.Unlock()

	b.emit(ctx, schema.Event{
		Type:       schema.EventTypeConnection,
		Source:     b.cfg.ID,
		ReceivedAt: time.Now(),
		Payload:    schema.ConnectionPayload{State: schema.ConnectionOpen},
	})
	return nil
}

// Closed demotes confirmed subscriptions to pending and drops those being unsubscribed.
func (b *Bucket) Closed(error) {
	var removed []*subscription
	b.mu.Lock()
	b.conn = nil
	for _, id := range slices.Clone(b.order) {
		sub := b.subs[id]
		switch {
		case sub.state == SubConfirmed, sub.state == SubUnsubscribing && sub.resubscribe:
			sub.state = SubPending
			sub.resubscribe = false
		case sub.state == SubUnsubscribing:
			b.removeLocked(sub)
			removed = append(removed, sub)
			continue
		}
		sub.chanID = 0
		sub.sentOn = nil
		if sub.book != nil {
			sub.book.Reset()
		}
	}
	clear(b.byChan)
	b.mu.Unlock()

	for _, sub := range removed {
		b.finishRemoval(b.ctx, sub)
	}
}

// Reconnecting reports the scheduled retry.
func (b *Bucket) Reconnecting(state ReconnectionState) {
	b.emit(b.ctx, schema.Event{
		Type:       schema.EventTypeConnection,
		Source:     b.cfg.ID,
		ReceivedAt: time.Now(),
		Payload: schema.ConnectionPayload{
			State:   schema.ConnectionReconnecting,
			Attempt: state.Attempts,
			Delay:   state.Delay,
			Err:     state.Reason,
		},
	})
}

// Stopped reports the end of the connection loop.
func (b *Bucket) Stopped(err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), stoppedEmitTimeout)
	defer cancel()
	b.emit(ctx, schema.Event{
		Type:       schema.EventTypeConnection,
		Source:     b.cfg.ID,
		ReceivedAt: time.Now(),
		Payload:    schema.ConnectionPayload{State: schema.ConnectionClosed, Err: err},
	})
	if b.hooks.stopped != nil {
		b.hooks.stopped(b, err)
	}
}

// Message routes one inbound frame.
func (b *Bucket) Message(ctx context.Context, msg []byte) error {
	at := time.Now()
	frame, err := wire.Parse(msg)
	if err != nil {
		b.metrics.RecordMalformed(ctx, b.cfg.ID)
		return err
	}
	if frame.Event != nil {
		b.metrics.RecordFrame(ctx, b.cfg.ID, telemetry.FrameEvent)
		return b.handleEvent(ctx, frame.Event, at)
	}
	return b.handleData(ctx, frame.Data, at)
}

func (b *Bucket) handleEvent(ctx context.Context, evt *wire.EventFrame, at time.Time) error {
	switch evt.Event {
	case wire.EventInfo:
		return b.onInfo(ctx, evt, at)
	case wire.EventSubscribed:
		b.onSubscribed(ctx, evt, at)
	case wire.EventUnsubscribed:
		b.onUnsubscribed(ctx, evt)
	case wire.EventError:
		b.onError(ctx, evt, at)
	case wire.EventConf:
		if evt.Status != "" && evt.Status != "OK" {
			b.logger.Warn("conf rejected", observability.F("flags", evt.Flags), observability.F("status", evt.Status))
		}
	case wire.EventPong:
	default:
		b.logger.Debug("unhandled event", observability.F("event", evt.Event))
	}
	return nil
}

func (b *Bucket) onInfo(ctx context.Context, evt *wire.EventFrame, at time.Time) error {
	if evt.Version != 0 && evt.Version != wire.ProtocolVersion {
		return errs.Derive(errs.ErrVersionMismatch, "stream/bucket",
			errs.WithField("bucket", b.cfg.ID),
			errs.WithField("version", strconv.Itoa(evt.Version)))
	}
	b.emit(ctx, infoEvent(b.cfg.ID, evt, at))
	switch evt.Code {
	case schema.InfoCodeReconnect:
		b.logger.Info("server requested reconnect")
		return ErrReconnectRequested
	case schema.InfoCodeMaintenanceEnd:
		b.mu.Lock()
		for _, id := range b.order {
			if sub := b.subs[id]; sub.state == SubConfirmed {
				_ = b.resubscribeLocked(ctx, sub)
			}
		}
		b.mu.Unlock()
	}
	return nil
}

func infoEvent(source string, evt *wire.EventFrame, at time.Time) schema.Event {
	payload := schema.InfoPayload{
		Version:  evt.Version,
		ServerID: evt.ServerID,
		Code:     evt.Code,
		Message:  evt.Msg,
	}
	if evt.Platform != nil {
		payload.PlatformStatus = evt.Platform.Status
	}
	return schema.Event{Type: schema.EventTypeInfo, Source: source, ReceivedAt: at, Payload: payload}
}

func (b *Bucket) onSubscribed(ctx context.Context, evt *wire.EventFrame, at time.Time) {
	b.mu.Lock()
	sub := b.subs[evt.SubID]
	if sub == nil {
		params := evt.Params()
		for _, id := range b.order {
			candidate := b.subs[id]
			if candidate.chanID == 0 && candidate.state != SubConfirmed && candidate.matches(evt.Channel, params) {
				sub = candidate
				break
			}
		}
	}
	if sub == nil {
		conn := b.conn
		b.mu.Unlock()
		b.logger.Warn("subscribed event for unknown subscription",
			observability.F("sub_id", evt.SubID),
			observability.F("chan_id", evt.ChanID))
		if frame, err := wire.Unsubscribe(evt.ChanID); err == nil && conn != nil {
			_ = conn.Write(ctx, frame)
		}
		return
	}
	if sub.chanID != 0 {
		b.mu.Unlock()
		return
	}
	sub.chanID = evt.ChanID
	b.byChan[evt.ChanID] = sub
	confirmed := sub.state == SubPending
	if confirmed {
		sub.state = SubConfirmed
		if sub.book != nil {
			sub.book.Reset()
		}
	} else {
		b.sendUnsubscribeLocked(ctx, sub)
	}
	snap := sub.snapshot(b.cfg.ID)
	b.mu.Unlock()

	if confirmed {
		b.emit(ctx, schema.Event{
			Type:       schema.EventTypeSubscribed,
			Source:     b.cfg.ID,
			SubID:      snap.SubID,
			ChanID:     snap.ChanID,
			Symbol:     sub.symbol(),
			ReceivedAt: at,
			Payload:    schema.SubscriptionPayload{Channel: snap.Channel, Params: snap.Params},
		})
	}
}

func (b *Bucket) onUnsubscribed(ctx context.Context, evt *wire.EventFrame) {
	b.mu.Lock()
	sub := b.byChan[evt.ChanID]
	if sub == nil || sub.state != SubUnsubscribing {
		b.mu.Unlock()
		return
	}
	removed := b.unsubscribedLocked(ctx, sub)
	b.mu.Unlock()

	if removed {
		b.finishRemoval(ctx, sub)
	}
}

// unsubscribedLocked completes an unsubscribe: the subscription is either removed or, when
// resubscribing, re-requested under the same id.
func (b *Bucket) unsubscribedLocked(ctx context.Context, sub *subscription) (removed bool) {
	delete(b.byChan, sub.chanID)
	if !sub.resubscribe {
		b.removeLocked(sub)
		return true
	}
	sub.chanID = 0
	sub.resubscribe = false
	sub.state = SubPending
	b.sendSubscribeLocked(ctx, sub)
	return false
}

func (b *Bucket) onError(ctx context.Context, evt *wire.EventFrame, at time.Time) {
	opts := []errs.Option{
		errs.WithRawCode(strconv.Itoa(evt.Code)),
		errs.WithRawMessage(evt.Msg),
		errs.WithField("bucket", b.cfg.ID),
	}
	var err error
	if evt.Code == wire.CodeChannelLimit {
		err = errs.Derive(errs.ErrCapacityExceeded, "stream/bucket", opts...)
	} else {
		err = errs.New("stream/bucket", errs.CodeProtocol, opts...)
	}

	var removed *subscription
	bind := false
	b.mu.Lock()
	switch {
	case evt.SubID != "" && evt.Code == wire.CodeAlreadySubscribed:
		// The server still carries the channel: bind it when the id is known, otherwise keep
		// the slot so the next connection resends it.
		if sub := b.subs[evt.SubID]; sub != nil && sub.chanID == 0 {
			bind = evt.ChanID != 0
		}
	case evt.SubID != "":
		if sub := b.subs[evt.SubID]; sub != nil && sub.chanID == 0 && sub.state != SubConfirmed {
			b.removeLocked(sub)
			removed = sub
		}
	case evt.ChanID != 0:
		if sub := b.byChan[evt.ChanID]; sub != nil && sub.state == SubUnsubscribing {
			switch evt.Code {
			case wire.CodeNotSubscribed:
				if b.unsubscribedLocked(ctx, sub) {
					removed = sub
				}
			case wire.CodeUnsubscribeFailed:
				sub.state = SubConfirmed
				sub.resubscribe = false
			}
		}
	}
	b.mu.Unlock()

	b.logger.Warn("server error", observability.F("code", evt.Code), observability.F("msg", evt.Msg))
	b.emit(ctx, schema.Event{
		Type:       schema.EventTypeError,
		Source:     b.cfg.ID,
		SubID:      evt.SubID,
		ChanID:     evt.ChanID,
		ReceivedAt: at,
		Payload:    schema.ErrorPayload{Code: evt.Code, Message: evt.Msg, Err: err},
	})
	if removed != nil {
		b.finishRemoval(ctx, removed)
	}
	if bind {
		b.onSubscribed(ctx, evt, at)
	}
}

func (b *Bucket) handleData(ctx context.Context, data *wire.DataFrame, at time.Time) error {
	if data.Tag == wire.TagHeartbeat {
		b.metrics.RecordFrame(ctx, b.cfg.ID, telemetry.FrameHeartbeat)
		return nil
	}
	b.mu.Lock()
	sub := b.byChan[data.ChanID]
	b.mu.Unlock()
	if sub == nil {
		b.logger.Debug("data for unknown channel", observability.F("chan_id", data.ChanID))
		return nil
	}
	if data.Tag == wire.TagChecksum {
		b.metrics.RecordFrame(ctx, b.cfg.ID, telemetry.FrameChecksum)
		return b.verify(ctx, sub, data)
	}
	b.metrics.RecordFrame(ctx, b.cfg.ID, telemetry.FrameData)
	return b.route(ctx, inbound{sub: sub, chanID: data.ChanID, tag: data.Tag, payload: data.Payload, at: at})
}

func (b *Bucket) verify(ctx context.Context, sub *subscription, data *wire.DataFrame) error {
	if sub.book == nil || !sub.book.Ready() {
		return nil
	}
	expected, err := wire.ParseChecksum(data.Payload)
	if err != nil {
		return err
	}
	if err := sub.book.Verify(expected); err != nil {
		b.metrics.RecordChecksumMismatch(ctx, sub.book.Symbol())
		b.logger.Warn("book checksum mismatch", observability.F("sub_id", sub.id), observability.Err(err))
		b.emit(ctx, schema.Event{
			Type:       schema.EventTypeBookResync,
			Source:     b.cfg.ID,
			SubID:      sub.id,
			ChanID:     data.ChanID,
			Symbol:     sub.symbol(),
			ReceivedAt: time.Now(),
			Payload:    schema.BookResyncPayload{Err: err},
		})
		if b.cfg.AutoResync {
			if err := b.Resubscribe(ctx, sub.id); err != nil && !errors.Is(err, errs.ErrUnknownSubscription) {
				return err
			}
		}
		return nil
	}
	if b.cfg.Observer != nil {
		b.cfg.Observer.BookVerified(sub.id, sub.book.Snapshot())
	}
	return nil
}
