package mirror

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/book"
)

// captureHook records transactions instead of sending them.
type captureHook struct {
	mu      sync.Mutex
	txs     [][]redis.Cmder
	sent    chan struct{}
	entered chan struct{}
	gate    chan struct{}
}

func newCaptureHook() *captureHook {
	return &captureHook{sent: make(chan struct{}, 16), entered: make(chan struct{}, 16)}
}

func (h *captureHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, net.ErrClosed
	}
}

func (h *captureHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error { return nil }
}

func (h *captureHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.gate != nil {
			h.entered <- struct{}{}
			<-h.gate
		}
		h.mu.Lock()
		h.txs = append(h.txs, cmds)
		h.mu.Unlock()
		h.sent <- struct{}{}
		return nil
	}
}

func (h *captureHook) wait(t *testing.T) []redis.Cmder {
	t.Helper()
	select {
	case <-h.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("no transaction")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.txs[len(h.txs)-1]
}

func newTestMirror(t *testing.T, hook *captureHook, depth int) *BookMirror {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	rdb.AddHook(hook)
	t.Cleanup(func() { _ = rdb.Close() })

	at := time.UnixMilli(1_700_000_000_000)
	m, err := New(rdb, Config{KeyPrefix: "test", Depth: depth, Workers: 1, Now: func() time.Time { return at }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func level(price string, count int64, amount string) book.Level {
	return book.Level{Price: decimal.RequireFromString(price), Count: count, Amount: decimal.RequireFromString(amount)}
}

func testSnapshot() book.Snapshot {
	return book.Snapshot{
		Symbol:   "tBTCUSD",
		Bids:     []book.Level{level("100", 1, "2"), level("99.5", 3, "0.5")},
		Asks:     []book.Level{level("101", 2, "-1.25")},
		Checksum: 0xFFFFFFFF,
	}
}

func commands(tx []redis.Cmder) []string {
	names := make([]string, 0, len(tx))
	for _, cmd := range tx {
		names = append(names, cmd.Name())
	}
	return names
}

func TestWriteReplacesBookInTransaction(t *testing.T) {
	hook := newCaptureHook()
	m := newTestMirror(t, hook, 0)

	require.NoError(t, m.Write(context.Background(), "sub-1", testSnapshot()))
	tx := hook.wait(t)

	require.Equal(t, []string{"multi", "del", "hset", "hset", "hset", "exec"}, commands(tx))
	require.Equal(t, []any{"del", "test:tBTCUSD:bids", "test:tBTCUSD:asks"}, tx[1].Args())
	require.Equal(t, []any{"hset", "test:tBTCUSD:bids", "100", "1:2", "99.5", "3:0.5"}, tx[2].Args())
	require.Equal(t, []any{"hset", "test:tBTCUSD:asks", "101", "2:-1.25"}, tx[3].Args())
	require.Equal(t, []any{
		"hset", "test:tBTCUSD:meta",
		"checksum", "-1",
		"depth", "2",
		"sub_id", "sub-1",
		"ts", "1700000000000",
	}, tx[4].Args())
}

func TestWriteHonoursDepth(t *testing.T) {
	hook := newCaptureHook()
	m := newTestMirror(t, hook, 1)

	require.NoError(t, m.Write(context.Background(), "sub-1", testSnapshot()))
	tx := hook.wait(t)
	require.Equal(t, []any{"hset", "test:tBTCUSD:bids", "100", "1:2"}, tx[2].Args())
	require.Equal(t, "1", tx[4].Args()[5])
}

func TestEmptySideSkipsHSet(t *testing.T) {
	hook := newCaptureHook()
	m := newTestMirror(t, hook, 0)

	snap := testSnapshot()
	snap.Asks = nil
	require.NoError(t, m.Write(context.Background(), "sub-1", snap))
	require.Equal(t, []string{"multi", "del", "hset", "hset", "exec"}, commands(hook.wait(t)))
}

func TestBookVerifiedCoalescesBursts(t *testing.T) {
	hook := newCaptureHook()
	hook.gate = make(chan struct{})
	m := newTestMirror(t, hook, 0)

	first := testSnapshot()
	m.BookVerified("sub-1", first)
	<-hook.entered
	// The first write is blocked in the hook; later snapshots collapse into one write.
	for i := 0; i < 5; i++ {
		snap := testSnapshot()
		snap.Checksum = uint32(i)
		m.BookVerified("sub-1", snap)
	}
	close(hook.gate)

	hook.wait(t)
	last := hook.wait(t)
	require.Equal(t, "4", last[4].Args()[3])

	select {
	case <-hook.sent:
		t.Fatal("burst was not coalesced")
	case <-time.After(100 * time.Millisecond):
	}
}
