package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/schema"
)

const waitTimeout = 5 * time.Second

// fakeExchange is a minimal server speaking the public protocol: it greets with an info
// event and acknowledges subscribe, unsubscribe and conf requests.
type fakeExchange struct {
	t        *testing.T
	srv      *httptest.Server
	version  int
	chanSeq  atomic.Int64
	refuse   atomic.Bool
	rejectFn func(req map[string]any) int
	conns    chan *fakeConn

	mu  sync.Mutex
	all []*fakeConn
}

type fakeConn struct {
	ws       *websocket.Conn
	received chan map[string]any

	mu    sync.Mutex
	chans map[string]int64
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	ex := &fakeExchange{t: t, version: 2, conns: make(chan *fakeConn, 16)}
	ex.chanSeq.Store(100)
	ex.srv = httptest.NewServer(http.HandlerFunc(ex.serve))
	t.Cleanup(func() {
		ex.mu.Lock()
		for _, fc := range ex.all {
			fc.ws.CloseNow()
		}
		ex.mu.Unlock()
		ex.srv.Close()
	})
	return ex
}

func (ex *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(ex.srv.URL, "http")
}

func (ex *fakeExchange) serve(w http.ResponseWriter, r *http.Request) {
	if ex.refuse.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{ws: ws, received: make(chan map[string]any, 256), chans: make(map[string]int64)}
	ex.mu.Lock()
	ex.all = append(ex.all, fc)
	ex.mu.Unlock()

	ctx := context.Background()
	_ = fc.write(ctx, map[string]any{"event": "info", "version": ex.version, "serverId": "fake", "platform": map[string]any{"status": 1}})
	ex.conns <- fc

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		fc.received <- req
		ex.answer(ctx, fc, req)
	}
}

func (ex *fakeExchange) answer(ctx context.Context, fc *fakeConn, req map[string]any) {
	switch req["event"] {
	case "subscribe":
		if ex.rejectFn != nil {
			if code := ex.rejectFn(req); code != 0 {
				_ = fc.write(ctx, map[string]any{"event": "error", "code": code, "msg": "rejected", "subId": req["subId"], "channel": req["channel"]})
				return
			}
		}
		chanID := ex.chanSeq.Add(1)
		reply := make(map[string]any, len(req)+1)
		for k, v := range req {
			reply[k] = v
		}
		reply["event"] = "subscribed"
		reply["chanId"] = chanID
		subID, _ := req["subId"].(string)
		fc.mu.Lock()
		fc.chans[subID] = chanID
		fc.mu.Unlock()
		_ = fc.write(ctx, reply)
	case "unsubscribe":
		_ = fc.write(ctx, map[string]any{"event": "unsubscribed", "status": "OK", "chanId": req["chanId"]})
	case "conf":
		_ = fc.write(ctx, map[string]any{"event": "conf", "status": "OK", "flags": req["flags"]})
	}
}

func (ex *fakeExchange) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-ex.conns:
		return fc
	case <-time.After(waitTimeout):
		t.Fatal("no connection")
		return nil
	}
}

func (fc *fakeConn) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fc.ws.Write(ctx, websocket.MessageText, data)
}

func (fc *fakeConn) send(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, fc.ws.Write(context.Background(), websocket.MessageText, []byte(raw)))
}

func (fc *fakeConn) expect(t *testing.T, event string) map[string]any {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case req := <-fc.received:
			if req["event"] == event {
				return req
			}
		case <-deadline:
			t.Fatalf("no %q request", event)
			return nil
		}
	}
}

func (fc *fakeConn) chanOf(subID string) int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.chans[subID]
}

func waitEvent(t *testing.T, events <-chan schema.Event, typ schema.EventType) schema.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case evt := <-events:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return schema.Event{}
		}
	}
}

// collectUntil returns every event received before the first one of type stop.
func collectUntil(t *testing.T, events <-chan schema.Event, stop schema.EventType) []schema.Event {
	t.Helper()
	var seen []schema.Event
	deadline := time.After(waitTimeout)
	for {
		select {
		case evt := <-events:
			if evt.Type == stop {
				return seen
			}
			seen = append(seen, evt)
		case <-deadline:
			t.Fatalf("no %s event", stop)
			return nil
		}
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func testBucket(t *testing.T, ex *fakeExchange, mutate func(*BucketConfig)) (*Bucket, chan schema.Event) {
	t.Helper()
	events := make(chan schema.Event, 256)
	cfg := BucketConfig{
		ID:         "bucket-test",
		Flags:      131072,
		AutoResync: true,
		Runner: RunnerConfig{
			URL:              ex.url(),
			HandshakeTimeout: 2 * time.Second,
			ReconnectTimeout: 5 * time.Second,
			NewBackOff:       fastBackOff,
		},
		Emitter: ChanEmitter(events),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b := NewBucket(context.Background(), cfg)
	t.Cleanup(func() {
		b.Close()
		<-b.Done()
	})
	return b, events
}
