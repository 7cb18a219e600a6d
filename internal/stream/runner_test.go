package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/schema"
)

func TestRecoverable(t *testing.T) {
	closeErr := func(code websocket.StatusCode) error {
		return fmt.Errorf("read: %w", websocket.CloseError{Code: code})
	}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"no close frame", errors.New("connection reset"), true},
		{"going away", closeErr(websocket.StatusGoingAway), true},
		{"abnormal", closeErr(websocket.StatusAbnormalClosure), true},
		{"internal", closeErr(websocket.StatusInternalError), true},
		{"restart", closeErr(websocket.StatusServiceRestart), true},
		{"try again", closeErr(websocket.StatusTryAgainLater), true},
		{"reconnect requested", ErrReconnectRequested, true},
		{"policy violation", closeErr(websocket.StatusPolicyViolation), false},
		{"normal closure", closeErr(websocket.StatusNormalClosure), false},
		{"auth rejected", errs.Derive(errs.ErrAuthRejected, "session"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Recoverable(tc.err))
		})
	}
}

func TestRunnerReconnectsAndReplaysSubscriptions(t *testing.T) {
	ex := newFakeExchange(t)
	b, events := testBucket(t, ex, nil)

	require.NoError(t, b.Start(context.Background()))
	first := ex.waitConn(t)
	first.expect(t, "conf")

	subID, err := b.Subscribe(context.Background(), "ticker", map[string]string{"symbol": "tBTCUSD"})
	require.NoError(t, err)
	first.expect(t, "subscribe")
	sub := waitEvent(t, events, schema.EventTypeSubscribed)
	require.Equal(t, subID, sub.SubID)
	oldChan := sub.ChanID

	require.NoError(t, first.ws.Close(websocket.StatusServiceRestart, "restart"))

	reconnecting := waitEvent(t, events, schema.EventTypeConnection)
	require.Equal(t, schema.ConnectionReconnecting, reconnecting.Payload.(schema.ConnectionPayload).State)

	second := ex.waitConn(t)
	second.expect(t, "conf")
	replay := second.expect(t, "subscribe")
	require.Equal(t, subID, replay["subId"])

	resub := waitEvent(t, events, schema.EventTypeSubscribed)
	require.Equal(t, subID, resub.SubID)
	require.NotEqual(t, oldChan, resub.ChanID)

	state, ok := b.Subscription(subID)
	require.True(t, ok)
	require.Equal(t, SubConfirmed, state.State)
	require.Equal(t, resub.ChanID, state.ChanID)
	require.Equal(t, StateOpen, b.runner.State())
	_, outage := b.runner.Reconnection()
	require.False(t, outage)
}

func TestRunnerStopsOnUnexpectedCloseCode(t *testing.T) {
	ex := newFakeExchange(t)
	b, events := testBucket(t, ex, nil)

	require.NoError(t, b.Start(context.Background()))
	fc := ex.waitConn(t)
	require.NoError(t, fc.ws.Close(websocket.StatusPolicyViolation, "go away"))

	select {
	case <-b.Done():
	case <-time.After(waitTimeout):
		t.Fatal("runner did not stop")
	}
	require.Error(t, b.Err())
	require.True(t, errs.IsFatal(b.Err()))

	for {
		evt := waitEvent(t, events, schema.EventTypeConnection)
		if p := evt.Payload.(schema.ConnectionPayload); p.State == schema.ConnectionClosed {
			require.Error(t, p.Err)
			break
		}
	}
}

func TestRunnerGivesUpAfterReconnectTimeout(t *testing.T) {
	ex := newFakeExchange(t)
	b, _ := testBucket(t, ex, func(cfg *BucketConfig) {
		cfg.Runner.ReconnectTimeout = 300 * time.Millisecond
	})

	require.NoError(t, b.Start(context.Background()))
	fc := ex.waitConn(t)
	ex.refuse.Store(true)
	require.NoError(t, fc.ws.Close(websocket.StatusGoingAway, "bye"))
	require.Eventually(t, func() bool {
		state, outage := b.runner.Reconnection()
		return outage && state.Reason != nil
	}, waitTimeout, 5*time.Millisecond)

	select {
	case <-b.Done():
	case <-time.After(waitTimeout):
		t.Fatal("runner did not give up")
	}
	require.ErrorIs(t, b.Err(), errs.ErrReconnectTimeout)
	require.True(t, errs.IsFatal(b.Err()))
	require.Equal(t, StateClosed, b.runner.State())
}

func TestRunnerHonoursReconnectInfo(t *testing.T) {
	ex := newFakeExchange(t)
	b, events := testBucket(t, ex, nil)

	require.NoError(t, b.Start(context.Background()))
	fc := ex.waitConn(t)
	fc.send(t, `{"event":"info","code":20051,"msg":"Stopping. Please try to reconnect"}`)

	info := waitEvent(t, events, schema.EventTypeInfo)
	for info.Payload.(schema.InfoPayload).Code != schema.InfoCodeReconnect {
		info = waitEvent(t, events, schema.EventTypeInfo)
	}
	ex.waitConn(t)
	require.Eventually(t, b.Connected, waitTimeout, 10*time.Millisecond)
	require.NoError(t, b.Err())
}

func TestRunnerStopsOnVersionMismatch(t *testing.T) {
	ex := newFakeExchange(t)
	ex.version = 3
	b, _ := testBucket(t, ex, nil)

	_ = b.Start(context.Background())
	select {
	case <-b.Done():
	case <-time.After(waitTimeout):
		t.Fatal("runner did not stop")
	}
	require.ErrorIs(t, b.Err(), errs.ErrVersionMismatch)
}

func TestRunnerStartAfterCloseFails(t *testing.T) {
	ex := newFakeExchange(t)
	b, _ := testBucket(t, ex, nil)
	b.Close()
	<-b.Done()
	require.ErrorIs(t, b.Start(context.Background()), errs.ErrSessionClosed)
}
