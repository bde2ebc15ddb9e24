package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Engine   EngineConfig   `yaml:"engine"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level    string `yaml:"level"`
		Encoding string `yaml:"encoding"`
		File     string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Telegram struct {
		Token       string `yaml:"token"`
		AdminChatID int64  `yaml:"admin_chat_id"`
	} `yaml:"telegram"`
}

type ExchangeConfig struct {
	RESTEndpoint     string        `yaml:"rest_endpoint"`
	WSEndpoint       string        `yaml:"ws_endpoint"`
	RecvWindowMs     int64         `yaml:"recv_window_ms"`
	TimeSyncInterval time.Duration `yaml:"time_sync_interval"`
	MaxClockOffset   time.Duration `yaml:"max_clock_offset"`
	RequestsPerSec   float64       `yaml:"requests_per_sec"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	FillPollAttempts int           `yaml:"fill_poll_attempts"`
	FillPollDelay    time.Duration `yaml:"fill_poll_delay"`
	ListenKeyRefresh time.Duration `yaml:"listen_key_refresh"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	ClientOrderTag   string        `yaml:"client_order_tag"`
}

type EngineConfig struct {
	PriceWatchInterval time.Duration `yaml:"price_watch_interval"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	ReconcileLimit     int           `yaml:"reconcile_limit"`
	StopRetryAttempts  int           `yaml:"stop_retry_attempts"`
	StopRetryDelay     time.Duration `yaml:"stop_retry_delay"`
	CancelRetryAttempt int           `yaml:"cancel_retry_attempts"`
	CancelRetryDelay   time.Duration `yaml:"cancel_retry_delay"`
	SeenCapacity       int           `yaml:"seen_capacity"`
	TriggerDelay       time.Duration `yaml:"trigger_delay"`
	RegistryRefresh    time.Duration `yaml:"registry_refresh"`
	TakerFeeRate       float64       `yaml:"taker_fee_rate"`
	OpenConcurrency    int           `yaml:"open_concurrency"`
	CandleRunner       bool          `yaml:"candle_runner"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	e := &c.Exchange
	if e.RESTEndpoint == "" {
		e.RESTEndpoint = "https://fapi.binance.com"
	}
	if e.WSEndpoint == "" {
		e.WSEndpoint = "wss://fstream.binance.com/ws"
	}
	if e.RecvWindowMs == 0 {
		e.RecvWindowMs = 5000
	}
	if e.TimeSyncInterval == 0 {
		e.TimeSyncInterval = 10 * time.Minute
	}
	if e.MaxClockOffset == 0 {
		e.MaxClockOffset = time.Minute
	}
	if e.RequestsPerSec == 0 {
		e.RequestsPerSec = 10
	}
	if e.HTTPTimeout == 0 {
		e.HTTPTimeout = 10 * time.Second
	}
	if e.FillPollAttempts == 0 {
		e.FillPollAttempts = 10
	}
	if e.FillPollDelay == 0 {
		e.FillPollDelay = 500 * time.Millisecond
	}
	if e.ListenKeyRefresh == 0 {
		e.ListenKeyRefresh = 30 * time.Minute
	}
	if e.ReconnectDelay == 0 {
		e.ReconnectDelay = 5 * time.Second
	}
	if e.ClientOrderTag == "" {
		e.ClientOrderTag = "ladder"
	}

	g := &c.Engine
	if g.PriceWatchInterval == 0 {
		g.PriceWatchInterval = 2 * time.Second
	}
	if g.ReconcileInterval == 0 {
		g.ReconcileInterval = 30 * time.Second
	}
	if g.ReconcileLimit == 0 {
		g.ReconcileLimit = 50
	}
	if g.StopRetryAttempts == 0 {
		g.StopRetryAttempts = 5
	}
	if g.StopRetryDelay == 0 {
		g.StopRetryDelay = time.Second
	}
	if g.CancelRetryAttempt == 0 {
		g.CancelRetryAttempt = 3
	}
	if g.CancelRetryDelay == 0 {
		g.CancelRetryDelay = time.Second
	}
	if g.SeenCapacity == 0 {
		g.SeenCapacity = 1000
	}
	if g.TriggerDelay == 0 {
		g.TriggerDelay = 5 * time.Second
	}
	if g.RegistryRefresh == 0 {
		g.RegistryRefresh = 5 * time.Minute
	}
	if g.TakerFeeRate == 0 {
		g.TakerFeeRate = 0.0004
	}
	if g.OpenConcurrency == 0 {
		g.OpenConcurrency = 8
	}

	if c.Database.Path == "" {
		c.Database.Path = "bot.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}
