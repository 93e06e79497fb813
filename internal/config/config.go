package config

import "time"

// Config is the root configuration.
type Config struct {
	Feed          FeedConfig          `yaml:"feed"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Quote         QuoteConfig         `yaml:"quote"`
	Chart         ChartConfig         `yaml:"chart"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Logging       LoggingConfig       `yaml:"logging"`
	Status        StatusConfig        `yaml:"status"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
}

// FeedConfig holds the provider endpoint and connection settings.
type FeedConfig struct {
	URL       string `yaml:"url"`
	Origin    string `yaml:"origin"`
	AuthToken string `yaml:"auth_token"` // Empty means anonymous

	// ImplicitAck activates a pending session on its first data event.
	// A nil value means the default (true).
	ImplicitAck *bool `yaml:"implicit_ack"`

	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxFrameSize     int           `yaml:"max_frame_size"`
	EventBuffer      int           `yaml:"event_buffer"`
	SendQueue        int           `yaml:"send_queue"`
}

// ReconnectConfig holds backoff settings for the reconnect loop.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	StableAfter     time.Duration `yaml:"stable_after"`
}

// QuoteConfig holds quote session settings.
type QuoteConfig struct {
	Fields string `yaml:"fields"` // "price" or "all"
}

// ChartConfig holds chart session settings.
type ChartConfig struct {
	WindowBars int `yaml:"window_bars"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	ErrorBuffer int `yaml:"error_buffer"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json

	// File enables rotated file output in addition to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StatusConfig holds the status HTTP server settings. Port 0 disables it.
type StatusConfig struct {
	Port int `yaml:"port"`
}

// SubscriptionsConfig lists what the stream tester subscribes to.
type SubscriptionsConfig struct {
	Symbols []string       `yaml:"symbols"`
	Series  []SeriesConfig `yaml:"series"`
}

// SeriesConfig describes one bar series.
type SeriesConfig struct {
	Symbol     string `yaml:"symbol"`
	Resolution string `yaml:"resolution"`
	Bars       int    `yaml:"bars"`
	Adjustment string `yaml:"adjustment"`
}
