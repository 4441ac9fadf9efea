package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "MOVECAST"

// Eviction policy names accepted in client.eviction_policy.
const (
	EvictOldest  = "evict_oldest"
	DropIncoming = "drop_incoming"
)

// Transport names accepted in client.transports, in preference order.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type ClientConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	Transports        []string      `mapstructure:"transports"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AutoPublishPeriod time.Duration `mapstructure:"auto_publish_period"`
	HistoryCapacity   int           `mapstructure:"history_capacity"`
	EvictionPolicy    string        `mapstructure:"eviction_policy"`
	TimerResolution   time.Duration `mapstructure:"timer_resolution"`
	MetricsAddress    string        `mapstructure:"metrics_address"`
}

type ServerConfig struct {
	HTTPAddress       string        `mapstructure:"http_address"`
	RPCAddress        string        `mapstructure:"rpc_address"`
	MetricsAddress    string        `mapstructure:"metrics_address"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console | json
	File       string `mapstructure:"file"`   // 为空则输出到 stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.server_url", "ws://localhost:3001/ws")
	v.SetDefault("client.connect_timeout", 20*time.Second)
	v.SetDefault("client.transports", []string{TransportWebSocket, TransportPolling})
	v.SetDefault("client.heartbeat_interval", 25*time.Second)
	v.SetDefault("client.auto_publish_period", 2*time.Second)
	v.SetDefault("client.history_capacity", 20)
	v.SetDefault("client.eviction_policy", EvictOldest)
	v.SetDefault("client.timer_resolution", 50*time.Millisecond)
	v.SetDefault("client.metrics_address", "")

	v.SetDefault("server.http_address", ":3001")
	v.SetDefault("server.rpc_address", "")
	v.SetDefault("server.metrics_address", "")
	v.SetDefault("server.heartbeat_interval", 25*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads config.yaml from path (and ./config), then applies
// MOVECAST_* environment overrides. A missing file falls back to defaults.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return decode(v)
}

// Default returns the built-in defaults with environment overrides applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic("invalid built-in config: " + err.Error())
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	if c.Server.HTTPAddress == "" {
		return fmt.Errorf("invalid server config: http_address is required")
	}
	if c.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid server config: heartbeat_interval must be positive")
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server_url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server_url: missing host")
	}

	if len(c.Transports) == 0 {
		return fmt.Errorf("transports: at least one transport is required")
	}
	for _, name := range c.Transports {
		if name != TransportWebSocket && name != TransportPolling {
			return fmt.Errorf("transports: unknown transport %q", name)
		}
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.AutoPublishPeriod <= 0 {
		return fmt.Errorf("auto_publish_period must be positive")
	}
	if c.TimerResolution <= 0 || c.TimerResolution > c.AutoPublishPeriod {
		return fmt.Errorf("timer_resolution must be in (0, auto_publish_period]")
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be positive, got %d", c.HistoryCapacity)
	}
	if c.EvictionPolicy != EvictOldest && c.EvictionPolicy != DropIncoming {
		return fmt.Errorf("eviction_policy: unknown policy %q", c.EvictionPolicy)
	}
	return nil
}
