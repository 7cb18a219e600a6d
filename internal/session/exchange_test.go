package session

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

	"github.com/coachpo/bfxstream/internal/auth"
	"github.com/coachpo/bfxstream/internal/schema"
)

const (
	waitTimeout = 5 * time.Second
	badKey      = "bad-key"
)

// fakeExchange answers auth requests, public subscriptions and order commands. Each
// accepted "on" command is confirmed with an "on" order frame.
type fakeExchange struct {
	t       *testing.T
	srv     *httptest.Server
	orderID atomic.Int64
	chanSeq atomic.Int64
	// holdAuth, when set, delays the auth reply until it is closed.
	holdAuth chan struct{}

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
	authReq  chan map[string]any
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	ex := &fakeExchange{t: t, authReq: make(chan map[string]any, 8)}
	ex.orderID.Store(1000)
	ex.chanSeq.Store(10)
	ex.srv = httptest.NewServer(http.HandlerFunc(ex.serve))
	t.Cleanup(func() {
		ex.mu.Lock()
		for _, ws := range ex.conns {
			ws.CloseNow()
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
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ex.mu.Lock()
	ex.conns = append(ex.conns, ws)
	ex.mu.Unlock()

	ctx := context.Background()
	write := func(v any) {
		data, err := json.Marshal(v)
		if err == nil {
			_ = ws.Write(ctx, websocket.MessageText, data)
		}
	}
	write(map[string]any{"event": "info", "version": 2, "platform": map[string]any{"status": 1}})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if len(data) > 0 && data[0] == '[' {
			ex.command(data, write)
			continue
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		event, _ := req["event"].(string)
		ex.record(event)
		switch event {
		case "auth":
			ex.authReq <- req
			reply := func() {
				if req["apiKey"] == badKey {
					write(map[string]any{"event": "auth", "status": "FAILED", "code": 10100, "msg": "apikey: invalid"})
					return
				}
				write(map[string]any{"event": "auth", "status": "OK", "userId": 7, "caps": map[string]any{}})
			}
			if hold := ex.authHold(); hold != nil {
				go func() {
					<-hold
					reply()
				}()
			} else {
				reply()
			}
		case "subscribe":
			reply := make(map[string]any, len(req)+1)
			for k, v := range req {
				reply[k] = v
			}
			reply["event"] = "subscribed"
			reply["chanId"] = ex.chanSeq.Add(1)
			write(reply)
		case "conf":
			write(map[string]any{"event": "conf", "status": "OK", "flags": req["flags"]})
		}
	}
}

func (ex *fakeExchange) command(data []byte, write func(any)) {
	var cmd []json.RawMessage
	if err := json.Unmarshal(data, &cmd); err != nil || len(cmd) < 4 {
		return
	}
	var tag string
	_ = json.Unmarshal(cmd[1], &tag)
	ex.record(tag)
	if tag != "on" {
		return
	}
	var body struct {
		CID    int64  `json:"cid"`
		Symbol string `json:"symbol"`
		Type   string `json:"type"`
		Amount string `json:"amount"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(cmd[3], &body); err != nil {
		return
	}
	now := time.Now().UnixMilli()
	write([]any{0, "on", []any{
		ex.orderID.Add(1), nil, body.CID, body.Symbol, now, now,
		json.RawMessage(body.Amount), json.RawMessage(body.Amount), body.Type, nil, nil, nil,
		0, "ACTIVE", nil, nil, json.RawMessage(body.Price), 0,
	}})
}

func (ex *fakeExchange) authHold() chan struct{} {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.holdAuth
}

// holdNextAuth delays every later auth reply until the returned channel is closed.
func (ex *fakeExchange) holdNextAuth() chan struct{} {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.holdAuth = make(chan struct{})
	return ex.holdAuth
}

// drop closes every open connection with a restart status.
func (ex *fakeExchange) drop() {
	ex.mu.Lock()
	conns := ex.conns
	ex.conns = nil
	ex.mu.Unlock()
	for _, ws := range conns {
		_ = ws.Close(websocket.StatusServiceRestart, "restart")
	}
}

func (ex *fakeExchange) record(what string) {
	ex.mu.Lock()
	ex.received = append(ex.received, what)
	ex.mu.Unlock()
}

func (ex *fakeExchange) log() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return append([]string(nil), ex.received...)
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func testConfig(ex *fakeExchange, creds *auth.Credentials) Config {
	cfg := DefaultConfig()
	cfg.PublicURL = ex.url()
	cfg.AuthURL = ex.url()
	cfg.Credentials = creds
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReconnectTimeout = 5 * time.Second
	cfg.NewBackOff = fastBackOff
	return cfg
}

func testClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
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
