package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultFeedURL          = "wss://data.tradingview.com/socket.io/websocket"
	DefaultOrigin           = "https://www.tradingview.com"
	DefaultPingTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxFrameSize     = 4 << 20
	DefaultEventBuffer      = 1000
	DefaultSendQueue        = 256
	DefaultInitialInterval  = 1 * time.Second
	DefaultMaxInterval      = 60 * time.Second
	DefaultMultiplier       = 2.0
	DefaultJitter           = 0.5
	DefaultStableAfter      = 30 * time.Second
	DefaultQuoteFields      = "price"
	DefaultWindowBars       = 500
	DefaultErrorBuffer      = 100
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultLogMaxSizeMB     = 100
	DefaultLogMaxBackups    = 5
	DefaultLogMaxAgeDays    = 28
	DefaultSeriesResolution = "1D"
	DefaultSeriesBars       = 300
	DefaultSeriesAdjustment = "splits"
)

func (c *Config) applyDefaults() {
	// Feed defaults
	if c.Feed.URL == "" {
		c.Feed.URL = DefaultFeedURL
	}
	if c.Feed.Origin == "" {
		c.Feed.Origin = DefaultOrigin
	}
	if c.Feed.ImplicitAck == nil {
		on := true
		c.Feed.ImplicitAck = &on
	}
	if c.Feed.PingTimeout == 0 {
		c.Feed.PingTimeout = DefaultPingTimeout
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.HandshakeTimeout == 0 {
		c.Feed.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Feed.MaxFrameSize == 0 {
		c.Feed.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Feed.EventBuffer == 0 {
		c.Feed.EventBuffer = DefaultEventBuffer
	}
	if c.Feed.SendQueue == 0 {
		c.Feed.SendQueue = DefaultSendQueue
	}

	// Reconnect defaults
	if c.Reconnect.InitialInterval == 0 {
		c.Reconnect.InitialInterval = DefaultInitialInterval
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = DefaultMaxInterval
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = DefaultMultiplier
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = DefaultJitter
	}
	if c.Reconnect.StableAfter == 0 {
		c.Reconnect.StableAfter = DefaultStableAfter
	}

	if c.Quote.Fields == "" {
		c.Quote.Fields = DefaultQuoteFields
	}
	if c.Chart.WindowBars == 0 {
		c.Chart.WindowBars = DefaultWindowBars
	}
	if c.Dispatch.ErrorBuffer == 0 {
		c.Dispatch.ErrorBuffer = DefaultErrorBuffer
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.File != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = DefaultLogMaxBackups
		}
		if c.Logging.MaxAgeDays == 0 {
			c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
		}
	}

	for i := range c.Subscriptions.Series {
		applySeriesDefaults(&c.Subscriptions.Series[i])
	}
}

func applySeriesDefaults(s *SeriesConfig) {
	if s.Resolution == "" {
		s.Resolution = DefaultSeriesResolution
	}
	if s.Bars == 0 {
		s.Bars = DefaultSeriesBars
	}
	if s.Adjustment == "" {
		s.Adjustment = DefaultSeriesAdjustment
	}
}
