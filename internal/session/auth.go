package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/auth"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/orders"
	"github.com/coachpo/bfxstream/internal/schema"
	"github.com/coachpo/bfxstream/internal/stream"
	"github.com/coachpo/bfxstream/internal/telemetry"
	"github.com/coachpo/bfxstream/internal/wire"
)

const (
	authSource = "auth"
	authOK     = "OK"
	// maxQueuedCommands bounds commands held while the connection is not authenticated.
	maxQueuedCommands = 1024
)

// authConn is the Handler of the authenticated connection. Commands are written only
// after the auth handshake succeeded; until then they queue in submission order.
type authConn struct {
	signer  *auth.Signer
	orders  *orders.Manager
	emitter stream.Emitter
	logger  observability.Logger
	metrics *telemetry.StreamMetrics

	mu     sync.Mutex
	conn   *stream.Conn
	authed bool
	queue  [][]byte
	closed bool

	first     chan struct{}
	firstOnce sync.Once
}

func newAuthConn(signer *auth.Signer, emitter stream.Emitter, logger observability.Logger, metrics *telemetry.StreamMetrics) *authConn {
	return &authConn{
		signer:  signer,
		emitter: emitter,
		logger:  observability.With(logger, observability.F("connection", authSource)),
		metrics: metrics,
		first:   make(chan struct{}),
	}
}

// SendCommand writes a command frame, or queues it until the connection is authenticated.
// A write failing on a dropped socket queues the frame for the next session.
func (a *authConn) SendCommand(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errs.Derive(errs.ErrSessionClosed, "session")
	}
	if a.authed && a.conn != nil {
		err := a.conn.Write(ctx, frame)
		if err == nil || ctx.Err() != nil {
			return err
		}
		a.logger.Warn("command write failed, queued until re-authenticated", observability.Err(err))
		a.authed = false
	}
	if len(a.queue) >= maxQueuedCommands {
		return errs.Derive(errs.ErrCapacityExceeded, "session",
			errs.WithMessage("command queue full"),
			errs.WithField("limit", strconv.Itoa(maxQueuedCommands)))
	}
	a.queue = append(a.queue, frame)
	return nil
}

func (a *authConn) authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authed
}

func (a *authConn) shutdown() {
	a.mu.Lock()
	a.closed = true
	a.queue = nil
	a.mu.Unlock()
}

func (a *authConn) emit(ctx context.Context, typ schema.EventType, payload any) {
	evt := schema.Event{Type: typ, Source: authSource, ReceivedAt: time.Now(), Payload: payload}
	if err := a.emitter.Emit(ctx, evt); err != nil {
		a.logger.Debug("event dropped", observability.F("type", string(typ)), observability.Err(err))
	}
}

// Opened sends the auth request; the connection is usable once the server accepts it.
func (a *authConn) Opened(ctx context.Context, conn *stream.Conn) error {
	frame, err := json.Marshal(a.signer.AuthRequest())
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, frame); err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.authed = false
	a.mu.Unlock()
	return nil
}

func (a *authConn) Closed(error) {
	a.mu.Lock()
	a.conn = nil
	a.authed = false
	a.mu.Unlock()
}

func (a *authConn) Reconnecting(state stream.ReconnectionState) {
	a.emit(context.Background(), schema.EventTypeConnection, schema.ConnectionPayload{
		State:   schema.ConnectionReconnecting,
		Attempt: state.Attempts,
		Delay:   state.Delay,
		Err:     state.Reason,
	})
}

func (a *authConn) Stopped(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.emit(ctx, schema.EventTypeConnection, schema.ConnectionPayload{State: schema.ConnectionClosed, Err: err})
}

// Message routes one inbound frame of the authenticated connection.
func (a *authConn) Message(ctx context.Context, msg []byte) error {
	frame, err := wire.Parse(msg)
	if err != nil {
		a.metrics.RecordMalformed(ctx, authSource)
		return err
	}
	if frame.Event != nil {
		a.metrics.RecordFrame(ctx, authSource, telemetry.FrameEvent)
		return a.handleEvent(ctx, frame.Event)
	}
	data := frame.Data
	if data.Tag == wire.TagHeartbeat {
		a.metrics.RecordFrame(ctx, authSource, telemetry.FrameHeartbeat)
		return nil
	}
	if data.ChanID != 0 {
		a.logger.Debug("channel data on authenticated connection", observability.F("chan_id", data.ChanID))
		return nil
	}
	a.metrics.RecordFrame(ctx, authSource, telemetry.FrameData)
	return a.handleAccount(ctx, data)
}

func (a *authConn) handleEvent(ctx context.Context, evt *wire.EventFrame) error {
	switch evt.Event {
	case wire.EventInfo:
		if evt.Version != 0 && evt.Version != wire.ProtocolVersion {
			return errs.Derive(errs.ErrVersionMismatch, "session",
				errs.WithField("version", strconv.Itoa(evt.Version)))
		}
		payload := schema.InfoPayload{Version: evt.Version, ServerID: evt.ServerID, Code: evt.Code, Message: evt.Msg}
		if evt.Platform != nil {
			payload.PlatformStatus = evt.Platform.Status
		}
		a.emit(ctx, schema.EventTypeInfo, payload)
		if evt.Code == schema.InfoCodeReconnect {
			return stream.ErrReconnectRequested
		}
	case wire.EventAuth:
		return a.onAuth(ctx, evt)
	case wire.EventError:
		if evt.Code == wire.CodeAuthFailed {
			return rejected(evt)
		}
		a.emit(ctx, schema.EventTypeError, schema.ErrorPayload{
			Code:    evt.Code,
			Message: evt.Msg,
			Err: errs.New("session", errs.CodeProtocol,
				errs.WithRawCode(strconv.Itoa(evt.Code)),
				errs.WithRawMessage(evt.Msg)),
		})
	case wire.EventConf, wire.EventPong:
	default:
		a.logger.Debug("unhandled event", observability.F("event", evt.Event))
	}
	return nil
}

func rejected(evt *wire.EventFrame) error {
	return errs.Derive(errs.ErrAuthRejected, "session",
		errs.WithRawCode(strconv.Itoa(evt.Code)),
		errs.WithRawMessage(evt.Msg))
}

// onAuth marks the connection usable and flushes queued commands in order.
func (a *authConn) onAuth(ctx context.Context, evt *wire.EventFrame) error {
	if evt.Status != authOK {
		return rejected(evt)
	}
	a.mu.Lock()
	a.authed = true
	queued := a.queue
	a.queue = nil
	var flushErr error
	for i, frame := range queued {
		if err := a.conn.Write(ctx, frame); err != nil {
			a.queue = append(a.queue, queued[i:]...)
			a.authed = false
			flushErr = err
			break
		}
	}
	a.mu.Unlock()
	if flushErr != nil {
		a.logger.Warn("flush queued commands", observability.Err(flushErr))
		return flushErr
	}

	a.logger.Info("authenticated", observability.F("user_id", evt.UserID), observability.F("flushed", len(queued)))
	a.emit(ctx, schema.EventTypeAuth, schema.AuthPayload{Status: evt.Status, UserID: evt.UserID, Caps: evt.Caps})
	a.emit(ctx, schema.EventTypeConnection, schema.ConnectionPayload{State: schema.ConnectionOpen})
	a.firstOnce.Do(func() { close(a.first) })
	return nil
}

func (a *authConn) handleAccount(ctx context.Context, data *wire.DataFrame) error {
	switch data.Tag {
	case wire.TagOrderSnapshot:
		list, err := wire.DecodeList(data.Payload, "orders", wire.DecodeOrder)
		if err != nil {
			return err
		}
		a.orders.HandleSnapshot(ctx, list)
		a.emit(ctx, schema.EventTypeOrderSnapshot, list)
	case wire.TagOrderNew, wire.TagOrderUpdate, wire.TagOrderCancel:
		o, err := wire.DecodeOrder(data.Payload)
		if err != nil {
			return err
		}
		switch data.Tag {
		case wire.TagOrderNew:
			a.emit(ctx, schema.EventTypeOrderNew, a.orders.HandleNew(ctx, o))
		case wire.TagOrderUpdate:
			a.emit(ctx, schema.EventTypeOrderUpdate, a.orders.HandleUpdate(ctx, o))
		default:
			a.emit(ctx, schema.EventTypeOrderClose, a.orders.HandleClose(ctx, o))
		}
	case wire.TagTradeExecuted, wire.TagTradeUpdate:
		t, err := wire.DecodeOwnTrade(data.Payload, data.Tag == wire.TagTradeUpdate)
		if err != nil {
			return err
		}
		a.emit(ctx, schema.EventTypeOwnTrade, t)
	case wire.TagPositionSnapshot:
		list, err := wire.DecodeList(data.Payload, "positions", wire.DecodePosition)
		if err != nil {
			return err
		}
		a.emit(ctx, schema.EventTypePositionSnapshot, list)
	case wire.TagPositionNew, wire.TagPositionUpdate, wire.TagPositionClose:
		p, err := wire.DecodePosition(data.Payload)
		if err != nil {
			return err
		}
		a.emit(ctx, positionEvents[data.Tag], p)
	case wire.TagWalletSnapshot:
		list, err := wire.DecodeList(data.Payload, "wallets", wire.DecodeWallet)
		if err != nil {
			return err
		}
		a.emit(ctx, schema.EventTypeWalletSnapshot, list)
	case wire.TagWalletUpdate:
		w, err := wire.DecodeWallet(data.Payload)
		if err != nil {
			return err
		}
		a.emit(ctx, schema.EventTypeWalletUpdate, w)
	case wire.TagNotification:
		n, err := wire.DecodeNotification(data.Payload)
		if err != nil {
			return err
		}
		a.orders.HandleNotification(ctx, n)
		a.emit(ctx, schema.EventTypeNotification, n)
	default:
		a.logger.Debug("unhandled account tag", observability.F("tag", data.Tag))
	}
	return nil
}

var positionEvents = map[string]schema.EventType{
	wire.TagPositionNew:    schema.EventTypePositionNew,
	wire.TagPositionUpdate: schema.EventTypePositionUpdate,
	wire.TagPositionClose:  schema.EventTypePositionClose,
}
