package stream

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/telemetry"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectTimeout = 15 * time.Minute
	defaultPingInterval     = 30 * time.Second
)

var (
	// ErrReconnectRequested is returned by a Handler to drop the connection and reconnect
	// through the backoff loop.
	ErrReconnectRequested = errors.New("stream: server requested reconnect")
	// ErrNotConnected is returned when sending while the connection is down.
	ErrNotConnected = errs.New("stream", errs.CodeNetwork, errs.WithMessage("not connected"))
)

// Handler receives the traffic of a Runner-managed connection. Calls for one Runner are
// never concurrent.
type Handler interface {
	// Opened runs after every successful dial, before frames are read. An error closes the
	// connection; fatal errors stop the Runner.
	Opened(ctx context.Context, conn *Conn) error
	// Message handles one inbound text frame. Fatal errors and ErrReconnectRequested end the
	// connection; other errors are logged.
	Message(ctx context.Context, msg []byte) error
	// Closed runs once per connection after it is gone.
	Closed(err error)
	// Reconnecting runs before every reconnect wait.
	Reconnecting(state ReconnectionState)
	// Stopped runs once when the Runner exits; err is nil after Close.
	Stopped(err error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Name             string
	URL              string
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingInterval     time.Duration
	// Limiter paces dials shared across connections. Optional.
	Limiter *rate.Limiter
	// NewBackOff builds the reconnect policy; defaults to NewDelay.
	NewBackOff func() backoff.BackOff
	Logger     observability.Logger
	Metrics    *telemetry.StreamMetrics
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = defaultReconnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff { return NewDelay() }
	}
	return c
}

// Runner keeps one connection alive: it dials, hands frames to its Handler and reconnects
// with backoff after recoverable failures.
type Runner struct {
	cfg     RunnerConfig
	handler Handler
	logger  observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *Conn
	state  *ReconnectionState
	closed bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
	err       error
}

// NewRunner creates a runner whose lifetime is bound to ctx.
func NewRunner(ctx context.Context, cfg RunnerConfig, handler Handler) *Runner {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		cfg:     cfg,
		handler: handler,
		logger:  observability.With(cfg.Logger, observability.F("connection", cfg.Name)),
		ctx:     runCtx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Name returns the connection name.
func (r *Runner) Name() string { return r.cfg.Name }

// Start launches the connect loop and waits for the first connection to open.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		select {
		case <-r.done:
			return errs.Derive(errs.ErrSessionClosed, "stream", errs.WithField("connection", r.cfg.Name))
		default:
			return nil
		}
	}
	go r.run()

	timer := time.NewTimer(r.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-r.ready:
		return nil
	case <-r.done:
		if err := r.Err(); err != nil {
			return err
		}
		return errs.Derive(errs.ErrSessionClosed, "stream", errs.WithField("connection", r.cfg.Name))
	case <-timer.C:
		r.Close()
		return errs.New("stream", errs.CodeTimeout,
			errs.WithMessage("timeout waiting for connection"),
			errs.WithField("connection", r.cfg.Name))
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	}
}

// Send writes one frame on the current connection.
func (r *Runner) Send(ctx context.Context, data []byte) error {
	conn := r.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, data)
}

// Connected reports whether a connection is currently open.
func (r *Runner) Connected() bool {
	return r.State() == StateOpen
}

// State reports the lifecycle state of the managed connection.
func (r *Runner) State() ConnState {
	select {
	case <-r.done:
		return StateClosed
	default:
	}
	if r.current() != nil {
		return StateOpen
	}
	return StateConnecting
}

// Reconnection returns the state of the ongoing outage, if any.
func (r *Runner) Reconnection() (ReconnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return ReconnectionState{}, false
	}
	return *r.state, true
}

// Close stops the loop and closes the connection. It does not wait; use Done.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	if r.started.CompareAndSwap(false, true) {
		close(r.done)
	}
}

// Done is closed when the loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the terminal error once Done is closed; nil after Close.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) current() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Runner) setConn(conn *Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

func (r *Runner) run() {
	err := r.loop()
	if r.ctx.Err() != nil && !errs.IsFatal(err) {
		err = nil
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.cancel()

	if err != nil {
		r.logger.Error("connection stopped", observability.Err(err))
		r.cfg.Metrics.RecordFatal(context.Background(), r.cfg.Name, err)
	}
	r.handler.Stopped(err)
	close(r.done)
}

func (r *Runner) loop() error {
	policy := r.cfg.NewBackOff()
	var dropped error
	for {
		conn, err := r.reconnect(policy, dropped)
		if err != nil {
			return err
		}
		err = r.serve(conn)
		r.setConn(nil)
		r.handler.Closed(err)
		if r.ctx.Err() != nil {
			return nil
		}
		if !Recoverable(err) {
			return fatalClose(err)
		}
		r.logger.Warn("connection lost", observability.Err(err))
		dropped = err
	}
}

// reconnect establishes a connection. After a drop it waits one backoff delay first, and the
// whole outage is bounded by ReconnectTimeout.
func (r *Runner) reconnect(policy backoff.BackOff, dropped error) (*Conn, error) {
	timeoutErr := errs.Derive(errs.ErrReconnectTimeout, "stream",
		errs.WithField("connection", r.cfg.Name),
		errs.WithField("timeout", r.cfg.ReconnectTimeout.String()))
	offline, cancel := context.WithTimeoutCause(r.ctx, r.cfg.ReconnectTimeout, timeoutErr)
	defer cancel()

	if dropped != nil {
		r.mu.Lock()
		r.state = &ReconnectionState{Reason: dropped, Since: time.Now()}
		r.mu.Unlock()
		wait := policy.NextBackOff()
		r.retrying(dropped, wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-offline.Done():
			timer.Stop()
			return nil, r.offlineErr(offline, dropped)
		}
	}

	conn, err := backoff.Retry(offline, func() (*Conn, error) {
		conn, err := r.connect(offline)
		if err != nil && errs.IsFatal(err) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	},
		backoff.WithBackOff(continuing{policy}),
		backoff.WithMaxElapsedTime(r.cfg.ReconnectTimeout),
		backoff.WithNotify(r.retrying),
	)
	if err != nil {
		if errs.IsFatal(err) {
			r.cfg.Metrics.RecordReconnect(context.Background(), r.cfg.Name, telemetry.ResultFatal, 0)
			return nil, err
		}
		return nil, r.offlineErr(offline, err)
	}

	policy.Reset()
	r.mu.Lock()
	state := r.state
	r.state = nil
	r.mu.Unlock()
	if state != nil {
		r.logger.Info("reconnected",
			observability.F("attempts", state.Attempts+1),
			observability.F("offline", time.Since(state.Since).String()))
		r.cfg.Metrics.RecordReconnect(context.Background(), r.cfg.Name, telemetry.ResultSuccess, 0)
	}
	return conn, nil
}

func (r *Runner) offlineErr(offline context.Context, last error) error {
	if r.ctx.Err() != nil {
		return context.Canceled
	}
	if cause := context.Cause(offline); errs.IsFatal(cause) {
		return cause
	}
	return errs.Derive(errs.ErrReconnectTimeout, "stream",
		errs.WithField("connection", r.cfg.Name),
		errs.WithCause(last))
}

func (r *Runner) retrying(err error, wait time.Duration) {
	r.mu.Lock()
	if r.state == nil {
		r.state = &ReconnectionState{Reason: err, Since: time.Now()}
	}
	r.state.Attempts++
	r.state.Reason = err
	r.state.Delay = wait
	state := *r.state
	r.mu.Unlock()

	r.logger.Warn("reconnect scheduled",
		observability.F("attempt", state.Attempts),
		observability.F("delay", wait.String()),
		observability.Err(err))
	r.cfg.Metrics.RecordReconnect(context.Background(), r.cfg.Name, telemetry.ResultRetry, wait)
	r.handler.Reconnecting(state)
}

func (r *Runner) connect(ctx context.Context) (conn *Conn, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "stream.connect",
		trace.WithAttributes(telemetry.AttrConnection.String(r.cfg.Name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if r.cfg.Limiter != nil {
		if err := r.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	conn, err = Dial(ctx, r.cfg.URL, r.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.CloseNow()
		return nil, backoff.Permanent(context.Canceled)
	}
	r.conn = conn
	r.mu.Unlock()

	if err := r.handler.Opened(r.ctx, conn); err != nil {
		r.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}
	r.readyOnce.Do(func() { close(r.ready) })
	return conn, nil
}

// serve runs the read and ping loops until the connection ends.
func (r *Runner) serve(conn *Conn) error {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	var wg conc.WaitGroup
	var pingErr atomic.Value
	wg.Go(func() {
		ticker := time.NewTicker(r.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(ctx, r.cfg.PingInterval); err != nil {
					if ctx.Err() == nil {
						pingErr.Store(err)
						conn.CloseNow()
					}
					return
				}
			}
		}
	})

	err := r.read(ctx, conn)
	cancel()
	wg.Wait()
	if v := pingErr.Load(); v != nil {
		return v.(error)
	}
	return err
}

func (r *Runner) read(ctx context.Context, conn *Conn) error {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		err = r.handler.Message(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrReconnectRequested):
			_ = conn.Close(websocket.StatusServiceRestart, "reconnect requested")
			return err
		case errs.IsFatal(err):
			_ = conn.Close(websocket.StatusNormalClosure, "fatal error")
			return err
		default:
			r.logger.Warn("handle message", observability.Err(err))
		}
	}
}

// Recoverable reports whether a connection ending with err should be re-established.
func Recoverable(err error) bool {
	if err == nil || errors.Is(err, ErrReconnectRequested) {
		return true
	}
	if errs.IsFatal(err) {
		return false
	}
	switch websocket.CloseStatus(err) {
	case -1,
		websocket.StatusGoingAway,
		websocket.StatusAbnormalClosure,
		websocket.StatusInternalError,
		websocket.StatusServiceRestart,
		websocket.StatusTryAgainLater:
		return true
	default:
		return false
	}
}

func fatalClose(err error) error {
	if errs.IsFatal(err) {
		return err
	}
	return errs.New("stream", errs.CodeNetwork,
		errs.WithMessage("connection closed by server"),
		errs.WithField("status", strconv.Itoa(int(websocket.CloseStatus(err)))),
		errs.WithCause(err),
		errs.Fatal())
}
