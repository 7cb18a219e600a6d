// Package mirror publishes checksum-verified order books to Redis.
//
// Key schema, per book symbol:
//
//	<prefix>:<symbol>:bids - hash price -> "count:amount"
//	<prefix>:<symbol>:asks - hash price -> "count:amount"
//	<prefix>:<symbol>:meta - hash checksum, depth, sub_id, ts (unix ms)
package mirror

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/lib/async"
)

const (
	defaultPrefix  = "bfx:book"
	defaultWorkers = 4
	writeTimeout   = 5 * time.Second
)

// RedisConfig holds connection parameters for the Redis client.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Config tunes a BookMirror.
type Config struct {
	KeyPrefix string
	// Depth caps the levels written per side; zero writes the whole book.
	Depth   int
	Workers int
	Logger  observability.Logger
	Now     func() time.Time
}

// BookMirror implements stream.BookObserver. Writes run on a worker pool so the
// connection read loop never waits on Redis; bursts for one symbol coalesce into a
// write of the latest verified snapshot.
type BookMirror struct {
	rdb    redis.Cmdable
	cfg    Config
	pool   *async.Pool
	logger observability.Logger

	mu       sync.Mutex
	latest   map[string]pending
	inflight map[string]bool
}

type pending struct {
	subID    string
	snapshot book.Snapshot
}

// New builds a mirror writing through rdb. The caller owns rdb.
func New(rdb redis.Cmdable, cfg Config) (*BookMirror, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultPrefix
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := observability.With(cfg.Logger, observability.F("component", "mirror"))
	pool, err := async.NewPool(async.Config{Name: "mirror", Workers: cfg.Workers, Queue: cfg.Workers * 4, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &BookMirror{
		rdb:      rdb,
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
		latest:   make(map[string]pending),
		inflight: make(map[string]bool),
	}, nil
}

// BookVerified schedules a write of snapshot. It never blocks on Redis.
func (m *BookMirror) BookVerified(subID string, snapshot book.Snapshot) {
	symbol := snapshot.Symbol
	m.mu.Lock()
	m.latest[symbol] = pending{subID: subID, snapshot: snapshot}
	if m.inflight[symbol] {
		m.mu.Unlock()
		return
	}
	m.inflight[symbol] = true
	m.mu.Unlock()

	err := m.pool.Submit(context.Background(), func(ctx context.Context) error {
		return m.drain(ctx, symbol)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.latest, symbol)
		delete(m.inflight, symbol)
		m.mu.Unlock()
		m.logger.Warn("book write dropped", observability.F("symbol", symbol), observability.Err(err))
	}
}

// drain writes the newest snapshot of symbol until no newer one arrived meanwhile.
func (m *BookMirror) drain(ctx context.Context, symbol string) error {
	for {
		m.mu.Lock()
		next, ok := m.latest[symbol]
		if !ok {
			delete(m.inflight, symbol)
			m.mu.Unlock()
			return nil
		}
		delete(m.latest, symbol)
		m.mu.Unlock()

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := m.Write(wctx, next.subID, next.snapshot)
		cancel()
		if err != nil {
			m.logger.Warn("book write failed", observability.F("symbol", symbol), observability.Err(err))
		}
	}
}

// Write replaces the mirrored book of snapshot.Symbol in one transaction.
func (m *BookMirror) Write(ctx context.Context, subID string, snapshot book.Snapshot) error {
	bids, asks, meta := m.keys(snapshot.Symbol)

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, bids, asks)
	if fields := m.levelFields(snapshot.Bids); len(fields) > 0 {
		pipe.HSet(ctx, bids, fields...)
	}
	if fields := m.levelFields(snapshot.Asks); len(fields) > 0 {
		pipe.HSet(ctx, asks, fields...)
	}
	pipe.HSet(ctx, meta,
		"checksum", strconv.FormatInt(int64(int32(snapshot.Checksum)), 10),
		"depth", strconv.Itoa(m.depth(len(snapshot.Bids), len(snapshot.Asks))),
		"sub_id", subID,
		"ts", strconv.FormatInt(m.cfg.Now().UnixMilli(), 10),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: write book %s: %w", snapshot.Symbol, err)
	}
	return nil
}

// Close waits for scheduled writes.
func (m *BookMirror) Close(ctx context.Context) error {
	return m.pool.Shutdown(ctx)
}

func (m *BookMirror) keys(symbol string) (bids, asks, meta string) {
	base := m.cfg.KeyPrefix + ":" + symbol
	return base + ":bids", base + ":asks", base + ":meta"
}

func (m *BookMirror) depth(sides ...int) int {
	most := 0
	for _, n := range sides {
		if m.cfg.Depth > 0 && n > m.cfg.Depth {
			n = m.cfg.Depth
		}
		most = max(most, n)
	}
	return most
}

func (m *BookMirror) levelFields(levels []book.Level) []any {
	if m.cfg.Depth > 0 && len(levels) > m.cfg.Depth {
		levels = levels[:m.cfg.Depth]
	}
	fields := make([]any, 0, len(levels)*2)
	for _, lvl := range levels {
		fields = append(fields, book.FormatNumber(lvl.Price), strconv.FormatInt(lvl.Count, 10)+":"+book.FormatNumber(lvl.Amount))
	}
	return fields
}
