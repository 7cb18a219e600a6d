package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/config"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/schema"
)

type levelLogger struct {
	levels []string
}

func (l *levelLogger) Debug(string, ...observability.Field) { l.levels = append(l.levels, "debug") }
func (l *levelLogger) Info(string, ...observability.Field)  { l.levels = append(l.levels, "info") }
func (l *levelLogger) Warn(string, ...observability.Field)  { l.levels = append(l.levels, "warn") }
func (l *levelLogger) Error(string, ...observability.Field) { l.levels = append(l.levels, "error") }

func TestSessionConfigCopiesWebsocketSettings(t *testing.T) {
	appCfg := config.Apply(config.Default(), config.WithCredentials("key", "secret"))
	appCfg.Websocket.BucketCapacity = 10
	appCfg.Websocket.AutoResync = false

	cfg := sessionConfig(appCfg, nil, nil, nil)
	require.Equal(t, appCfg.Websocket.PublicURL, cfg.PublicURL)
	require.Equal(t, 10, cfg.BucketCapacity)
	require.False(t, cfg.AutoResync)
	require.Equal(t, int64(131072), cfg.Flags)
	require.NotNil(t, cfg.Credentials)
	require.Equal(t, "key", cfg.Credentials.APIKey)
	require.Nil(t, cfg.Observer)
}

func TestSessionConfigWithoutCredentials(t *testing.T) {
	cfg := sessionConfig(config.Default(), nil, nil, nil)
	require.Nil(t, cfg.Credentials)
}

func TestLogEventLevels(t *testing.T) {
	logger := &levelLogger{}
	logEvent(logger, schema.Event{Type: schema.EventTypeTicker, Source: "bucket-1"})
	logEvent(logger, schema.Event{Type: schema.EventTypeSubscribed, Source: "bucket-1", SubID: "s"})
	logEvent(logger, schema.Event{Type: schema.EventTypeBookResync, Source: "bucket-1"})
	logEvent(logger, schema.Event{Type: schema.EventTypeError, Payload: schema.ErrorPayload{Err: errors.New("boom")}})
	logEvent(logger, schema.Event{Type: schema.EventTypeConnection, Payload: schema.ConnectionPayload{State: schema.ConnectionOpen}})
	require.Equal(t, []string{"debug", "info", "warn", "warn", "info"}, logger.levels)
}

func TestWatchErrorsCancelsOnFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	errCh <- errors.New("auth rejected")

	done := make(chan struct{})
	go func() {
		watchErrors(ctx, &levelLogger{}, errCh, cancel)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchErrors did not return")
	}
	require.Error(t, ctx.Err())
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestGracefulShutdownAggregatesStepErrors(t *testing.T) {
	logger := &levelLogger{}
	err := performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		telemetry: func(context.Context) error { return errors.New("exporter unreachable") },
	})
	require.ErrorContains(t, err, "exporter unreachable")
	require.Equal(t, "error", logger.levels[len(logger.levels)-1])

	require.NoError(t, performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{}))
}
