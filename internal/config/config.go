// Package config loads bfxstream runtime configuration from YAML, an optional .env file
// and the process environment.
package config

import (
	"strings"
	"time"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	defaultPublicURL      = "wss://api-pub.bitfinex.com/ws/2"
	defaultAuthURL        = "wss://api.bitfinex.com/ws/2"
	checksumFlag          = 131072
	maxBucketCapacity     = 25
	defaultMirrorPrefix   = "bfx:book"
	defaultMirrorDepth    = 25
	defaultMirrorWorkers  = 4
	defaultMetricInterval = 15 * time.Second
)

// Default returns the configuration used when a key is absent from the YAML file.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Websocket: WebsocketConfig{
			PublicURL:        defaultPublicURL,
			AuthURL:          defaultAuthURL,
			BucketCapacity:   maxBucketCapacity,
			MaxBuckets:       20,
			DialsPerMinute:   20,
			HandshakeTimeout: 10 * time.Second,
			ReconnectTimeout: 15 * time.Minute,
			PingInterval:     30 * time.Second,
			EventBuffer:      1024,
			Flags:            checksumFlag,
			AutoResync:       true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			ServiceName:    "bfxstream",
			MetricInterval: defaultMetricInterval,
		},
		Mirror: MirrorConfig{
			KeyPrefix: defaultMirrorPrefix,
			Depth:     defaultMirrorDepth,
			Workers:   defaultMirrorWorkers,
		},
	}
}

// Option mutates an AppConfig when applied via Apply.
type Option func(*AppConfig)

// Apply applies the provided options to a copy of base.
func Apply(base AppConfig, opts ...Option) AppConfig {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(c *AppConfig) {
		if env != "" {
			c.Environment = env
		}
	}
}

// WithWebsocketEndpoints overrides the public and authenticated endpoints.
func WithWebsocketEndpoints(public, auth string) Option {
	public = strings.TrimSpace(public)
	auth = strings.TrimSpace(auth)
	return func(c *AppConfig) {
		if public != "" {
			c.Websocket.PublicURL = public
		}
		if auth != "" {
			c.Websocket.AuthURL = auth
		}
	}
}

// WithCredentials overrides the API credentials.
func WithCredentials(key, secret string) Option {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return func(c *AppConfig) {
		if key != "" {
			c.Credentials.APIKey = key
		}
		if secret != "" {
			c.Credentials.APISecret = secret
		}
	}
}

func (c AppConfig) clone() AppConfig {
	out := c
	out.Credentials.Filters = append([]string(nil), c.Credentials.Filters...)
	out.Subscriptions = append([]SubscriptionConfig(nil), c.Subscriptions...)
	return out
}
