package config

import (
	"github.com/rickgao/tvstream/internal/connection"
	"github.com/rickgao/tvstream/internal/engine"
	"github.com/rickgao/tvstream/internal/protocol"
)

// EngineConfig converts the file configuration into engine settings.
// Call it on a config that has had defaults applied.
func (c *Config) EngineConfig(userAgent string) engine.Config {
	cfg := engine.DefaultConfig()

	cfg.Connection.Client = connection.ClientConfig{
		URL:              c.Feed.URL,
		Origin:           c.Feed.Origin,
		UserAgent:        userAgent,
		PingTimeout:      c.Feed.PingTimeout,
		WriteTimeout:     c.Feed.WriteTimeout,
		HandshakeTimeout: c.Feed.HandshakeTimeout,
		EventBufferSize:  c.Feed.EventBuffer,
		SendQueueSize:    c.Feed.SendQueue,
		MaxFrameSize:     c.Feed.MaxFrameSize,
	}
	cfg.Connection.EventBufferSize = c.Feed.EventBuffer
	cfg.Connection.Backoff = connection.BackoffConfig{
		InitialInterval:     c.Reconnect.InitialInterval,
		MaxInterval:         c.Reconnect.MaxInterval,
		Multiplier:          c.Reconnect.Multiplier,
		RandomizationFactor: c.Reconnect.Jitter,
		StableAfter:         c.Reconnect.StableAfter,
	}

	cfg.Session.WindowBars = c.Chart.WindowBars
	if c.Feed.ImplicitAck != nil {
		cfg.Session.ImplicitAck = *c.Feed.ImplicitAck
	}
	cfg.Dispatch.ErrorBufferSize = c.Dispatch.ErrorBuffer

	if c.Feed.AuthToken != "" {
		cfg.AuthToken = c.Feed.AuthToken
	}
	cfg.QuoteFields = protocol.FieldSet(c.Quote.Fields)
	return cfg
}

// SeriesSpecs returns the configured series subscriptions.
func (c *Config) SeriesSpecs() []protocol.SeriesSpec {
	specs := make([]protocol.SeriesSpec, 0, len(c.Subscriptions.Series))
	for _, s := range c.Subscriptions.Series {
		specs = append(specs, protocol.SeriesSpec{
			Symbol:     s.Symbol,
			Resolution: s.Resolution,
			Bars:       s.Bars,
			Adjustment: s.Adjustment,
		})
	}
	return specs
}
