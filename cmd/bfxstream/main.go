// Command bfxstream streams market data and account events from the exchange, logs them
// and optionally mirrors verified order books to Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/bfxstream/internal/config"
	"github.com/coachpo/bfxstream/internal/mirror"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/schema"
	"github.com/coachpo/bfxstream/internal/session"
	"github.com/coachpo/bfxstream/internal/stream"
	bfxtelemetry "github.com/coachpo/bfxstream/internal/telemetry"
	"github.com/coachpo/bfxstream/lib/telemetry"
)

const (
	defaultConfigPath        = "config/bfxstream.yaml"
	meterName                = "github.com/coachpo/bfxstream"
	shutdownTimeout          = 30 * time.Second
	sessionShutdownTimeout   = 10 * time.Second
	mirrorShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogrusLogger(appCfg.LogConfig()).WithComponent("bfxstream")
	defer func() { _ = logger.Close() }()
	observability.SetLogger(logger)
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.Info("configuration initialised",
		observability.F("env", string(appCfg.Environment)),
		observability.F("subscriptions", len(appCfg.Subscriptions)),
		observability.F("authenticated", appCfg.AuthCredentials() != nil))

	if err := run(ctx, cancel, logger, appCfg); err != nil {
		logger.Error("bfxstream stopped", observability.Err(err))
		_ = logger.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, logger observability.Logger, appCfg config.AppConfig) error {
	providers, shutdownTelemetry, err := telemetry.Init(ctx, appCfg.OTelConfig())
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	metrics, err := bfxtelemetry.NewStreamMetrics(providers.MeterProvider.Meter(meterName))
	if err != nil {
		return fmt.Errorf("initialise metrics: %w", err)
	}

	var (
		rdb        *redis.Client
		bookMirror *mirror.BookMirror
	)
	if appCfg.Mirror.Enabled {
		rdb, bookMirror, err = startMirror(ctx, logger, appCfg.Mirror)
		if err != nil {
			return err
		}
	}

	client, err := session.New(ctx, sessionConfig(appCfg, logger, metrics, bookMirror))
	if err != nil {
		return fmt.Errorf("initialise session: %w", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { consumeEvents(ctx, logger, client.Events()) })
	lifecycle.Go(func() { watchErrors(ctx, logger, client.Errors(), cancel) })

	startErr := start(ctx, logger, client, appCfg)
	if startErr == nil {
		logger.Info("bfxstream started; awaiting shutdown signal")
		<-ctx.Done()
		logger.Info("shutdown signal received, initiating graceful shutdown")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		session:   client,
		lifecycle: &lifecycle,
		mirror:    bookMirror,
		redis:     rdb,
		telemetry: shutdownTelemetry,
	})
	if startErr != nil {
		return startErr
	}
	return shutdownErr
}

func start(ctx context.Context, logger observability.Logger, client *session.Client, appCfg config.AppConfig) error {
	if appCfg.AuthCredentials() != nil {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect authenticated session: %w", err)
		}
	}
	for _, sub := range appCfg.Subscriptions {
		subID, err := client.Subscribe(ctx, sub.Channel, sub.Params())
		if err != nil {
			return fmt.Errorf("subscribe %s %v: %w", sub.Channel, sub.Params(), err)
		}
		logger.Info("subscribed", observability.F("channel", sub.Channel), observability.F("sub_id", subID))
	}
	return nil
}

func startMirror(ctx context.Context, logger observability.Logger, cfg config.MirrorConfig) (*redis.Client, *mirror.BookMirror, error) {
	rdb, err := mirror.NewRedisClient(ctx, mirror.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect mirror redis: %w", err)
	}
	m, err := mirror.New(rdb, mirror.Config{
		KeyPrefix: cfg.KeyPrefix,
		Depth:     cfg.Depth,
		Workers:   cfg.Workers,
		Logger:    logger,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("initialise mirror: %w", err)
	}
	logger.Info("book mirror enabled", observability.F("addr", cfg.Redis.Addr), observability.F("prefix", cfg.KeyPrefix))
	return rdb, m, nil
}

func sessionConfig(appCfg config.AppConfig, logger observability.Logger, metrics *bfxtelemetry.StreamMetrics, bookMirror *mirror.BookMirror) session.Config {
	ws := appCfg.Websocket
	cfg := session.Config{
		PublicURL:        ws.PublicURL,
		AuthURL:          ws.AuthURL,
		Credentials:      appCfg.AuthCredentials(),
		BucketCapacity:   ws.BucketCapacity,
		MaxBuckets:       ws.MaxBuckets,
		DialsPerMinute:   ws.DialsPerMinute,
		Flags:            ws.Flags,
		AutoResync:       ws.AutoResync,
		HandshakeTimeout: ws.HandshakeTimeout,
		ReconnectTimeout: ws.ReconnectTimeout,
		PingInterval:     ws.PingInterval,
		EventBuffer:      ws.EventBuffer,
		Logger:           logger,
		Metrics:          metrics,
	}
	if bookMirror != nil {
		cfg.Observer = bookMirror
	}
	return cfg
}

func consumeEvents(ctx context.Context, logger observability.Logger, events <-chan schema.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			logEvent(logger, evt)
		}
	}
}

// logEvent logs lifecycle events at info and market data at debug.
func logEvent(logger observability.Logger, evt schema.Event) {
	fields := []observability.Field{
		observability.F("type", string(evt.Type)),
		observability.F("source", evt.Source),
	}
	if evt.SubID != "" {
		fields = append(fields, observability.F("sub_id", evt.SubID))
	}
	if evt.Symbol != "" {
		fields = append(fields, observability.F("symbol", evt.Symbol))
	}
	switch evt.Type {
	case schema.EventTypeError:
		if p, ok := evt.Payload.(schema.ErrorPayload); ok {
			fields = append(fields, observability.Err(p.Err))
		}
		logger.Warn("event", fields...)
	case schema.EventTypeBookResync:
		logger.Warn("event", fields...)
	case schema.EventTypeConnection:
		if p, ok := evt.Payload.(schema.ConnectionPayload); ok {
			fields = append(fields, observability.F("state", string(p.State)))
			if p.Err != nil {
				fields = append(fields, observability.Err(p.Err))
			}
		}
		logger.Info("event", fields...)
	case schema.EventTypeInfo, schema.EventTypeAuth, schema.EventTypeSubscribed, schema.EventTypeUnsubscribed,
		schema.EventTypeOrderNew, schema.EventTypeOrderUpdate, schema.EventTypeOrderClose, schema.EventTypeNotification:
		logger.Info("event", fields...)
	default:
		logger.Debug("event", fields...)
	}
}

func watchErrors(ctx context.Context, logger observability.Logger, errs <-chan error, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
	case err := <-errs:
		logger.Error("fatal session error, shutting down", observability.Err(err))
		cancel()
	}
}

type gracefulShutdownConfig struct {
	session   *session.Client
	lifecycle *conc.WaitGroup
	mirror    *mirror.BookMirror
	redis     *redis.Client
	telemetry func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	}

	if cfg.session != nil {
		shutdownStep("closing session", sessionShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.session.Close)
		})
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}
	if cfg.mirror != nil {
		shutdownStep("flushing book mirror", mirrorShutdownTimeout, cfg.mirror.Close)
	}
	if cfg.redis != nil {
		shutdownStep("closing redis", mirrorShutdownTimeout, func(context.Context) error {
			return cfg.redis.Close()
		})
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
	return observability.AggregateErrors(logger, "shutdown", failures)
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

var _ stream.BookObserver = (*mirror.BookMirror)(nil)
