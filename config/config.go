package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type ExchangeConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WSConfig struct {
	// Endpoints are rotated round-robin across reconnect attempts to route
	// around partial outages.
	Endpoints        []string      `mapstructure:"endpoints"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// StreamConfig tunes the streaming engine: connection budget, reconnect
// policy, debounce and polling cadence.
type StreamConfig struct {
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	DispatchSpacing      time.Duration `mapstructure:"dispatch_spacing"`
	QueueWait            time.Duration `mapstructure:"queue_wait"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffFactor        float64       `mapstructure:"backoff_factor"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	DebounceWindow       time.Duration `mapstructure:"debounce_window"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	BufferSize           int           `mapstructure:"buffer_size"`
	BackfillLimit        int           `mapstructure:"backfill_limit"`
	Archive              bool          `mapstructure:"archive"`

	// Initial subscriptions started by the daemon.
	Symbols  []string `mapstructure:"symbols"`
	Interval string   `mapstructure:"interval"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	// Support environment variables with dot notation (e.g., EXCHANGE_REST_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.rest.timeout", 10*time.Second)
	v.SetDefault("exchange.ws.handshake_timeout", 5*time.Second)

	v.SetDefault("stream.max_concurrent", 5)
	v.SetDefault("stream.dispatch_spacing", time.Second)
	v.SetDefault("stream.queue_wait", 30*time.Second)
	v.SetDefault("stream.backoff_base", time.Second)
	v.SetDefault("stream.backoff_factor", 2.0)
	v.SetDefault("stream.backoff_max", 30*time.Second)
	v.SetDefault("stream.max_reconnect_attempts", 6)
	v.SetDefault("stream.debounce_window", 120*time.Millisecond)
	v.SetDefault("stream.poll_interval", 2*time.Second)
	v.SetDefault("stream.buffer_size", 1000)
	v.SetDefault("stream.backfill_limit", 200)
	v.SetDefault("stream.interval", "1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("metrics.addr", ":9100")
}
