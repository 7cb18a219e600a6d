package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/bfxstream/internal/auth"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/lib/telemetry"
)

// Environment variables consulted after the YAML file. The process environment wins over
// the .env file.
const (
	EnvAPIKey       = "BFX_API_KEY"
	EnvAPISecret    = "BFX_API_SECRET"
	EnvEnvironment  = "BFX_ENV"
	EnvRedisAddr    = "BFX_REDIS_ADDR"
	EnvOTLPEndpoint = "BFX_OTLP_ENDPOINT"
)

// WebsocketConfig configures the public bucket pool and the authenticated connection.
type WebsocketConfig struct {
	PublicURL        string        `yaml:"publicUrl"`
	AuthURL          string        `yaml:"authUrl"`
	BucketCapacity   int           `yaml:"bucketCapacity"`
	MaxBuckets       int           `yaml:"maxBuckets"`
	DialsPerMinute   int           `yaml:"dialsPerMinute"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	ReconnectTimeout time.Duration `yaml:"reconnectTimeout"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	EventBuffer      int           `yaml:"eventBuffer"`
	Flags            int64         `yaml:"flags"`
	AutoResync       bool          `yaml:"autoResync"`
}

// CredentialsConfig holds the API key pair. Both or neither must be set.
type CredentialsConfig struct {
	APIKey    string   `yaml:"apiKey"`
	APISecret string   `yaml:"apiSecret"`
	Filters   []string `yaml:"filters"`
}

// LoggingConfig selects the logrus level, format and optional rotating file.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	File   LoggingFileConfig `yaml:"file"`
}

// LoggingFileConfig enables lumberjack rotation when Path is set.
type LoggingFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// RedisConfig locates the mirror's Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MirrorConfig configures the Redis order book mirror.
type MirrorConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Redis     RedisConfig `yaml:"redis"`
	KeyPrefix string      `yaml:"keyPrefix"`
	Depth     int         `yaml:"depth"`
	Workers   int         `yaml:"workers"`
}

// SubscriptionConfig is one channel subscribed at startup.
type SubscriptionConfig struct {
	Channel string `yaml:"channel"`
	Symbol  string `yaml:"symbol"`
	Key     string `yaml:"key"`
	Prec    string `yaml:"prec"`
	Freq    string `yaml:"freq"`
	Len     string `yaml:"len"`
}

// Params returns the non-empty subscription parameters.
func (s SubscriptionConfig) Params() map[string]string {
	out := make(map[string]string, 4)
	for k, v := range map[string]string{"symbol": s.Symbol, "key": s.Key, "prec": s.Prec, "freq": s.Freq, "len": s.Len} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// AppConfig is the unified bfxstream configuration.
type AppConfig struct {
	Environment   Environment          `yaml:"environment"`
	Websocket     WebsocketConfig      `yaml:"websocket"`
	Credentials   CredentialsConfig    `yaml:"credentials"`
	Logging       LoggingConfig        `yaml:"logging"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
	Mirror        MirrorConfig         `yaml:"mirror"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// Load reads configPath over Default, then applies a .env file next to it and the
// process environment, and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	dotenv, err := readDotenv(filepath.Join(filepath.Dir(filepath.Clean(configPath)), ".env"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg.applyEnv(dotenv)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default, plus a .env file in the
// working directory and the process environment, when configPath does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if _, err := os.Stat(filepath.Clean(strings.TrimSpace(configPath))); err != nil {
		if !os.IsNotExist(err) {
			return AppConfig{}, false, fmt.Errorf("stat app config: %w", err)
		}
		dotenv, err := readDotenv(".env")
		if err != nil {
			return AppConfig{}, false, err
		}
		cfg := Default()
		cfg.applyEnv(dotenv)
		cfg.normalise()
		if err := cfg.Validate(); err != nil {
			return AppConfig{}, false, err
		}
		return cfg, false, nil
	}
	cfg, err := Load(ctx, configPath)
	return cfg, err == nil, err
}

// readDotenv parses an optional .env file without touching the process environment.
func readDotenv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat env file: %w", err)
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return values, nil
}

func (c *AppConfig) applyEnv(dotenv map[string]string) {
	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(dotenv[key])
	}
	if v := lookup(EnvEnvironment); v != "" {
		c.Environment = Environment(v)
	}
	if v := lookup(EnvAPIKey); v != "" {
		c.Credentials.APIKey = v
	}
	if v := lookup(EnvAPISecret); v != "" {
		c.Credentials.APISecret = v
	}
	if v := lookup(EnvRedisAddr); v != "" {
		c.Mirror.Redis.Addr = v
	}
	if v := lookup(EnvOTLPEndpoint); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Websocket.PublicURL = strings.TrimSpace(c.Websocket.PublicURL)
	c.Websocket.AuthURL = strings.TrimSpace(c.Websocket.AuthURL)
	c.Credentials.APIKey = strings.TrimSpace(c.Credentials.APIKey)
	c.Credentials.APISecret = strings.TrimSpace(c.Credentials.APISecret)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Mirror.Redis.Addr = strings.TrimSpace(c.Mirror.Redis.Addr)
	c.Mirror.KeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.Mirror.KeyPrefix), ":")

	if c.Websocket.BucketCapacity <= 0 {
		c.Websocket.BucketCapacity = maxBucketCapacity
	}
	if c.Mirror.Workers <= 0 {
		c.Mirror.Workers = defaultMirrorWorkers
	}
	if c.Mirror.KeyPrefix == "" {
		c.Mirror.KeyPrefix = defaultMirrorPrefix
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = defaultMetricInterval
	}
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		s.Channel = strings.ToLower(strings.TrimSpace(s.Channel))
		s.Symbol = strings.TrimSpace(s.Symbol)
		s.Key = strings.TrimSpace(s.Key)
		s.Prec = strings.ToUpper(strings.TrimSpace(s.Prec))
		s.Freq = strings.ToUpper(strings.TrimSpace(s.Freq))
		s.Len = strings.TrimSpace(s.Len)
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := validateWebsocketURL("websocket publicUrl", c.Websocket.PublicURL); err != nil {
		return err
	}
	if err := validateWebsocketURL("websocket authUrl", c.Websocket.AuthURL); err != nil {
		return err
	}
	if c.Websocket.BucketCapacity > maxBucketCapacity {
		return fmt.Errorf("websocket bucketCapacity must be <= %d", maxBucketCapacity)
	}
	if c.Websocket.MaxBuckets < 0 || c.Websocket.DialsPerMinute < 0 || c.Websocket.EventBuffer < 0 {
		return fmt.Errorf("websocket limits must be >= 0")
	}

	if (c.Credentials.APIKey == "") != (c.Credentials.APISecret == "") {
		return fmt.Errorf("credentials apiKey and apiSecret must be set together")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if c.Mirror.Enabled {
		if c.Mirror.Redis.Addr == "" {
			return fmt.Errorf("mirror redis addr required when enabled")
		}
		if c.Mirror.Depth <= 0 {
			return fmt.Errorf("mirror depth must be > 0")
		}
	}

	for i, s := range c.Subscriptions {
		if err := s.validate(); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}
	return nil
}

func (s SubscriptionConfig) validate() error {
	switch s.Channel {
	case "ticker", "trades", "book":
		if s.Symbol == "" {
			return fmt.Errorf("%s requires symbol", s.Channel)
		}
	case "candles", "status":
		if s.Key == "" {
			return fmt.Errorf("%s requires key", s.Channel)
		}
	default:
		return fmt.Errorf("unknown channel %q", s.Channel)
	}
	if s.Channel != "book" && (s.Prec != "" || s.Freq != "" || s.Len != "") {
		return fmt.Errorf("prec, freq and len only apply to book")
	}
	return nil
}

func validateWebsocketURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s must use ws or wss", name)
	}
	return nil
}

// AuthCredentials returns the session credentials, or nil when none are configured.
func (c AppConfig) AuthCredentials() *auth.Credentials {
	if c.Credentials.APIKey == "" {
		return nil
	}
	return &auth.Credentials{
		APIKey:    c.Credentials.APIKey,
		APISecret: c.Credentials.APISecret,
		Filters:   append([]string(nil), c.Credentials.Filters...),
	}
}

// LogConfig converts the logging section for observability.NewLogrusLogger.
func (c AppConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File: observability.LogFileConfig{
			Path:       c.Logging.File.Path,
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
			Compress:   c.Logging.File.Compress,
		},
	}
}

// OTelConfig converts the telemetry section for telemetry.Init.
func (c AppConfig) OTelConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		OTLPInsecure:   c.Telemetry.OTLPInsecure,
		MetricInterval: c.Telemetry.MetricInterval,
		ServiceName:    c.Telemetry.ServiceName,
		Environment:    string(c.Environment),
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
