// Package session owns everything one exchange session needs: the public bucket pool, the
// authenticated connection and the order manager.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/auth"
	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/orders"
	"github.com/coachpo/bfxstream/internal/schema"
	"github.com/coachpo/bfxstream/internal/stream"
	"github.com/coachpo/bfxstream/internal/telemetry"
	"github.com/coachpo/bfxstream/internal/wire"
)

const (
	defaultPublicURL   = "wss://api-pub.bitfinex.com/ws/2"
	defaultAuthURL     = "wss://api.bitfinex.com/ws/2"
	defaultEventBuffer = 1024
	errorBuffer        = 16
)

// Config configures a Client.
type Config struct {
	PublicURL string
	AuthURL   string
	// Credentials enable the authenticated connection; nil means public data only.
	Credentials      *auth.Credentials
	BucketCapacity   int
	MaxBuckets       int
	DialsPerMinute   int
	Flags            int64
	AutoResync       bool
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingInterval     time.Duration
	EventBuffer      int
	ClosedOrders     int
	NewBackOff       func() backoff.BackOff
	Observer         stream.BookObserver
	Logger           observability.Logger
	Metrics          *telemetry.StreamMetrics
}

// DefaultConfig returns production defaults: checksums on and automatic book resync.
func DefaultConfig() Config {
	return Config{
		PublicURL:  defaultPublicURL,
		AuthURL:    defaultAuthURL,
		Flags:      wire.FlagChecksum,
		AutoResync: true,
	}
}

// Client is one exchange session.
type Client struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger

	events chan schema.Event
	errors chan error

	pool   *stream.Pool
	orders *orders.Manager
	authc  *authConn
	runner *stream.Runner

	wg        conc.WaitGroup
	startMu   sync.Mutex
	started   bool
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a client. Nothing is dialed until Connect or the first Subscribe.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.PublicURL == "" {
		cfg.PublicURL = defaultPublicURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	logger := observability.OrDefault(cfg.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:    cfg,
		ctx:    runCtx,
		cancel: cancel,
		logger: logger,
		events: make(chan schema.Event, cfg.EventBuffer),
		errors: make(chan error, errorBuffer),
		done:   make(chan struct{}),
	}
	emitter := stream.ChanEmitter(c.events)

	c.pool = stream.NewPool(runCtx, stream.PoolConfig{
		URL:              cfg.PublicURL,
		Capacity:         cfg.BucketCapacity,
		MaxBuckets:       cfg.MaxBuckets,
		DialsPerMinute:   cfg.DialsPerMinute,
		Flags:            cfg.Flags,
		AutoResync:       cfg.AutoResync,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReconnectTimeout: cfg.ReconnectTimeout,
		PingInterval:     cfg.PingInterval,
		NewBackOff:       cfg.NewBackOff,
		Emitter:          emitter,
		Observer:         cfg.Observer,
		Logger:           logger,
		Metrics:          cfg.Metrics,
		OnFatal: func(bucket string, err error) {
			c.fatal(err)
		},
	})

	if cfg.Credentials == nil {
		c.orders = orders.NewManager(noCredentials{}, orders.Config{ClosedCapacity: cfg.ClosedOrders, Logger: logger, Metrics: cfg.Metrics})
		return c, nil
	}
	signer, err := auth.NewSigner(cfg.Credentials, auth.NewNonceGenerator(nil))
	if err != nil {
		cancel()
		return nil, err
	}
	c.authc = newAuthConn(signer, emitter, logger, cfg.Metrics)
	c.orders = orders.NewManager(c.authc, orders.Config{ClosedCapacity: cfg.ClosedOrders, Logger: logger, Metrics: cfg.Metrics})
	c.authc.orders = c.orders
	c.runner = stream.NewRunner(runCtx, stream.RunnerConfig{
		Name:             authSource,
		URL:              cfg.AuthURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReconnectTimeout: cfg.ReconnectTimeout,
		PingInterval:     cfg.PingInterval,
		NewBackOff:       cfg.NewBackOff,
		Logger:           logger,
		Metrics:          cfg.Metrics,
	}, c.authc)
	return c, nil
}

// Connect opens the authenticated connection and waits for the auth handshake. Without
// credentials it returns immediately; public buckets are dialed on demand.
func (c *Client) Connect(ctx context.Context) error {
	if c.runner == nil {
		return nil
	}
	c.startMu.Lock()
	if !c.started {
		c.started = true
		c.wg.Go(func() {
			<-c.runner.Done()
			if err := c.runner.Err(); err != nil {
				c.fatal(err)
			}
		})
	}
	c.startMu.Unlock()

	if err := c.runner.Start(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(c.handshakeTimeout())
	defer timer.Stop()
	select {
	case <-c.authc.first:
		return nil
	case <-c.runner.Done():
		if err := c.runner.Err(); err != nil {
			return err
		}
		return errs.Derive(errs.ErrSessionClosed, "session")
	case <-timer.C:
		return errs.New("session", errs.CodeTimeout, errs.WithMessage("timeout waiting for auth"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) handshakeTimeout() time.Duration {
	if c.cfg.HandshakeTimeout > 0 {
		return c.cfg.HandshakeTimeout
	}
	return 10 * time.Second
}

// Events delivers every session event in arrival order per connection. The channel is
// never closed; stop reading once Done is closed.
func (c *Client) Events() <-chan schema.Event { return c.events }

// Errors delivers fatal connection errors.
func (c *Client) Errors() <-chan error { return c.errors }

// Done is closed when Close has finished.
func (c *Client) Done() <-chan struct{} { return c.done }

// Authenticated reports whether the authenticated connection is usable.
func (c *Client) Authenticated() bool {
	return c.authc != nil && c.authc.authenticated()
}

// ConnectionState reports the state of the authenticated connection. A client without
// credentials has none and reports StateClosed.
func (c *Client) ConnectionState() stream.ConnState {
	if c.runner == nil {
		return stream.StateClosed
	}
	return c.runner.State()
}

// Reconnection describes the ongoing outage of the authenticated connection, if any.
func (c *Client) Reconnection() (stream.ReconnectionState, bool) {
	if c.runner == nil {
		return stream.ReconnectionState{}, false
	}
	return c.runner.Reconnection()
}

func (c *Client) fatal(err error) {
	c.logger.Error("fatal session error", observability.Err(err))
	select {
	case c.errors <- err:
	default:
		c.logger.Warn("error channel full, fatal error not delivered", observability.Err(err))
	}
}

// Subscribe subscribes a public channel and returns its subscription id.
func (c *Client) Subscribe(ctx context.Context, channel string, params map[string]string) (string, error) {
	return c.pool.Subscribe(ctx, channel, params)
}

// SubscribeTicker subscribes the ticker of a trading pair or funding currency.
func (c *Client) SubscribeTicker(ctx context.Context, symbol string) (string, error) {
	return c.Subscribe(ctx, wire.ChannelTicker, map[string]string{"symbol": symbol})
}

// SubscribeTrades subscribes public trades.
func (c *Client) SubscribeTrades(ctx context.Context, symbol string) (string, error) {
	return c.Subscribe(ctx, wire.ChannelTrades, map[string]string{"symbol": symbol})
}

// SubscribeBook subscribes an order book. Empty arguments take the server defaults.
func (c *Client) SubscribeBook(ctx context.Context, symbol, prec, freq, length string) (string, error) {
	params := map[string]string{"symbol": symbol}
	for k, v := range map[string]string{"prec": prec, "freq": freq, "len": length} {
		if v != "" {
			params[k] = v
		}
	}
	return c.Subscribe(ctx, wire.ChannelBook, params)
}

// SubscribeCandles subscribes candles for a key such as "trade:1m:tBTCUSD".
func (c *Client) SubscribeCandles(ctx context.Context, key string) (string, error) {
	return c.Subscribe(ctx, wire.ChannelCandles, map[string]string{"key": key})
}

// SubscribeStatus subscribes a status feed such as "deriv:tBTCF0:USTF0" or "liq:global".
func (c *Client) SubscribeStatus(ctx context.Context, key string) (string, error) {
	return c.Subscribe(ctx, wire.ChannelStatus, map[string]string{"key": key})
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	return c.pool.Unsubscribe(ctx, subID)
}

// Resubscribe re-requests a subscription under the same id.
func (c *Client) Resubscribe(ctx context.Context, subID string) error {
	return c.pool.Resubscribe(ctx, subID)
}

// Subscriptions lists every public subscription.
func (c *Client) Subscriptions() []stream.Subscription { return c.pool.Subscriptions() }

// Book returns a copy of a replicated order book.
func (c *Client) Book(subID string) (book.Snapshot, error) { return c.pool.Book(subID) }

func (c *Client) requireAuth() error {
	if c.authc == nil {
		return errs.Derive(errs.ErrNoCredentials, "session", errs.WithMessage("authenticated operation without credentials"))
	}
	return nil
}

// SubmitOrder sends a new order. While the authenticated connection is down the command
// is queued and sent after the next successful auth.
func (c *Client) SubmitOrder(ctx context.Context, p orders.OrderParams) (int64, *orders.Future, error) {
	if err := c.requireAuth(); err != nil {
		return 0, nil, err
	}
	return c.orders.Submit(ctx, p)
}

// UpdateOrder changes an open order.
func (c *Client) UpdateOrder(ctx context.Context, p orders.UpdateParams) (*orders.Future, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	return c.orders.Update(ctx, p)
}

// CancelOrder cancels one order.
func (c *Client) CancelOrder(ctx context.Context, ref orders.Ref) (*orders.Future, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	return c.orders.Cancel(ctx, ref)
}

// CancelOrders cancels orders by id, cid, gid or all of them.
func (c *Client) CancelOrders(ctx context.Context, p orders.CancelManyParams) ([]*orders.Future, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	return c.orders.CancelMany(ctx, p)
}

// WatchOrder returns a future resolved by the next frame touching key.
func (c *Client) WatchOrder(key orders.Key) (*orders.Future, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	return c.orders.Watch(key), nil
}

// Order looks up a tracked order.
func (c *Client) Order(key orders.Key) (schema.Order, error) { return c.orders.Order(key) }

// OpenOrders lists orders confirmed open.
func (c *Client) OpenOrders() []schema.Order { return c.orders.Open() }

// Close stops every connection. Pending orders and subscriptions are abandoned: their
// futures resolve with ErrSessionClosed and no cancel is sent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.authc != nil {
			c.authc.shutdown()
			c.runner.Close()
			<-c.runner.Done()
		}
		c.pool.Close()
		c.wg.Wait()
		c.orders.Abandon(nil)
		close(c.done)
	})
}

type noCredentials struct{}

func (noCredentials) SendCommand(context.Context, []byte) error {
	return errs.Derive(errs.ErrNoCredentials, "session")
}
