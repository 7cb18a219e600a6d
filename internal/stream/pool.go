package stream

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"golang.org/x/time/rate"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/telemetry"
)

const (
	defaultMaxBuckets     = 20
	defaultDialsPerMinute = 20
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	URL      string
	Capacity int
	// MaxBuckets is a soft ceiling; going above it only logs a warning.
	MaxBuckets       int
	DialsPerMinute   int
	Flags            int64
	AutoResync       bool
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingInterval     time.Duration
	NewBackOff       func() backoff.BackOff
	Emitter          Emitter
	Observer         BookObserver
	Logger           observability.Logger
	Metrics          *telemetry.StreamMetrics
	// OnFatal is called when a bucket stops with a fatal error. Its subscriptions are gone.
	OnFatal func(bucket string, err error)
}

// Pool spreads public subscriptions over as many buckets as needed.
type Pool struct {
	cfg     PoolConfig
	ctx     context.Context
	limiter *rate.Limiter
	logger  observability.Logger
	grow    sync.Mutex

	mu      sync.Mutex
	buckets []*Bucket
	index   map[string]*Bucket
	keys    map[string]string
	seq     int
	closed  bool
}

// NewPool creates an empty pool; buckets are dialed on demand.
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = defaultMaxBuckets
	}
	if cfg.DialsPerMinute <= 0 {
		cfg.DialsPerMinute = defaultDialsPerMinute
	}
	return &Pool{
		cfg:     cfg,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.DialsPerMinute)), 1),
		logger:  observability.With(cfg.Logger, observability.F("component", "pool")),
		index:   make(map[string]*Bucket),
		keys:    make(map[string]string),
	}
}

// Subscribe subscribes a channel on the bucket with the most spare capacity, dialing a new
// bucket when all are full. A duplicate (channel, params) returns ErrAlreadySubscribed
// together with the existing id.
func (p *Pool) Subscribe(ctx context.Context, channel string, params map[string]string) (string, error) {
	key := Key(channel, params)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", errs.Derive(errs.ErrSessionClosed, "stream/pool")
	}
	if existing, ok := p.keys[key]; ok {
		p.mu.Unlock()
		return existing, errs.Derive(errs.ErrAlreadySubscribed, "stream/pool",
			errs.WithField("sub_id", existing),
			errs.WithField("key", key))
	}
	id := uuid.NewString()
	p.keys[key] = id
	p.mu.Unlock()

	if err := p.place(ctx, id, channel, params); err != nil {
		p.mu.Lock()
		if p.keys[key] == id {
			delete(p.keys, key)
		}
		p.mu.Unlock()
		return "", err
	}
	return id, nil
}

func (p *Pool) place(ctx context.Context, id, channel string, params map[string]string) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return errs.Derive(errs.ErrSessionClosed, "stream/pool")
		}
		if b := p.pickLocked(); b != nil {
			// The slot is taken under the pool lock so the bucket cannot be dropped as
			// empty; the request goes out after the lock is released.
			sub, err := b.reserve(ctx, id, channel, params)
			if err == nil {
				p.index[id] = b
			}
			p.mu.Unlock()
			if err == nil {
				b.flush(ctx, sub)
				return nil
			}
			if !errors.Is(err, errs.ErrCapacityExceeded) {
				return err
			}
			continue
		}
		p.mu.Unlock()

		if err := p.growOnce(ctx); err != nil {
			return err
		}
	}
}

// growOnce dials one bucket unless another caller made room meanwhile.
func (p *Pool) growOnce(ctx context.Context) error {
	p.grow.Lock()
	defer p.grow.Unlock()

	p.mu.Lock()
	if p.pickLocked() != nil {
		p.mu.Unlock()
		return nil
	}
	p.seq++
	id := "bucket-" + strconv.Itoa(p.seq)
	if len(p.buckets) >= p.cfg.MaxBuckets {
		p.logger.Warn("bucket count above soft limit",
			observability.F("buckets", len(p.buckets)+1),
			observability.F("max_buckets", p.cfg.MaxBuckets))
	}
	p.mu.Unlock()

	b := newBucket(p.ctx, BucketConfig{
		ID:         id,
		Capacity:   p.cfg.Capacity,
		Flags:      p.cfg.Flags,
		AutoResync: p.cfg.AutoResync,
		Runner: RunnerConfig{
			URL:              p.cfg.URL,
			HandshakeTimeout: p.cfg.HandshakeTimeout,
			ReconnectTimeout: p.cfg.ReconnectTimeout,
			PingInterval:     p.cfg.PingInterval,
			Limiter:          p.limiter,
			NewBackOff:       p.cfg.NewBackOff,
			Logger:           p.cfg.Logger,
			Metrics:          p.cfg.Metrics,
		},
		Emitter:  p.cfg.Emitter,
		Observer: p.cfg.Observer,
	}, bucketHooks{removed: p.removed, stopped: p.stopped})
	if err := b.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		b.Close()
		return errs.Derive(errs.ErrSessionClosed, "stream/pool")
	}
	p.buckets = append(p.buckets, b)
	p.mu.Unlock()
	p.cfg.Metrics.BucketDelta(ctx, 1)
	p.logger.Info("bucket opened", observability.F("bucket", id))
	return nil
}

func (p *Pool) pickLocked() *Bucket {
	var best *Bucket
	bestSpare := 0
	for _, b := range p.buckets {
		if spare := b.Spare(); spare > bestSpare {
			best, bestSpare = b, spare
		}
	}
	return best
}

func (p *Pool) dropLocked(b *Bucket) bool {
	i := slices.Index(p.buckets, b)
	if i < 0 {
		return false
	}
	p.buckets = slices.Delete(p.buckets, i, i+1)
	return true
}

func (p *Pool) lookup(subID string) (*Bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.index[subID]
	if !ok {
		return nil, errs.Derive(errs.ErrUnknownSubscription, "stream/pool", errs.WithField("sub_id", subID))
	}
	return b, nil
}

// Unsubscribe removes a subscription; an emptied bucket is closed.
func (p *Pool) Unsubscribe(ctx context.Context, subID string) error {
	b, err := p.lookup(subID)
	if err != nil {
		return err
	}
	return b.Unsubscribe(ctx, subID)
}

// Resubscribe re-requests a subscription on its bucket under the same id.
func (p *Pool) Resubscribe(ctx context.Context, subID string) error {
	b, err := p.lookup(subID)
	if err != nil {
		return err
	}
	return b.Resubscribe(ctx, subID)
}

// Book returns a copy of the replicated book of a book subscription.
func (p *Pool) Book(subID string) (book.Snapshot, error) {
	b, err := p.lookup(subID)
	if err != nil {
		return book.Snapshot{}, err
	}
	return b.Book(subID)
}

// Subscriptions lists every subscription across buckets.
func (p *Pool) Subscriptions() []Subscription {
	p.mu.Lock()
	buckets := slices.Clone(p.buckets)
	p.mu.Unlock()
	var out []Subscription
	for _, b := range buckets {
		out = append(out, b.Subscriptions()...)
	}
	return out
}

// BucketCount returns the number of live buckets.
func (p *Pool) BucketCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

// Close closes every bucket and waits for their loops to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	buckets := slices.Clone(p.buckets)
	p.mu.Unlock()

	iter.ForEach(buckets, func(b **Bucket) {
		(*b).Close()
		<-(*b).Done()
	})
}

func (p *Pool) removed(b *Bucket, sub Subscription) {
	p.mu.Lock()
	if p.index[sub.SubID] == b {
		delete(p.index, sub.SubID)
	}
	if key := Key(sub.Channel, sub.Params); p.keys[key] == sub.SubID {
		delete(p.keys, key)
	}
	empty := !p.closed && b.Len() == 0 && p.dropLocked(b)
	p.mu.Unlock()

	if empty {
		p.cfg.Metrics.BucketDelta(context.Background(), -1)
		p.logger.Info("bucket empty, closing", observability.F("bucket", b.ID()))
		go b.Close()
	}
}

func (p *Pool) stopped(b *Bucket, err error) {
	p.mu.Lock()
	registered := p.dropLocked(b)
	for id, owner := range p.index {
		if owner != b {
			continue
		}
		delete(p.index, id)
		for key, subID := range p.keys {
			if subID == id {
				delete(p.keys, key)
			}
		}
	}
	p.mu.Unlock()

	if registered {
		p.cfg.Metrics.BucketDelta(context.Background(), -1)
		if err != nil && p.cfg.OnFatal != nil {
			p.cfg.OnFatal(b.ID(), err)
		}
	}
}
