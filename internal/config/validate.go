package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Feed.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("feed.url must be a ws:// or wss:// url, got %q", c.Feed.URL)
	}
	if c.Feed.PingTimeout <= 0 {
		return errors.New("feed.ping_timeout must be > 0")
	}
	if c.Feed.WriteTimeout <= 0 {
		return errors.New("feed.write_timeout must be > 0")
	}
	if c.Feed.MaxFrameSize < 1 {
		return errors.New("feed.max_frame_size must be >= 1")
	}
	if c.Feed.EventBuffer < 1 {
		return errors.New("feed.event_buffer must be >= 1")
	}
	if c.Feed.SendQueue < 1 {
		return errors.New("feed.send_queue must be >= 1")
	}

	if c.Reconnect.InitialInterval <= 0 {
		return errors.New("reconnect.initial_interval must be > 0")
	}
	if c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		return fmt.Errorf("reconnect.max_interval (%s) cannot be less than initial_interval (%s)",
			c.Reconnect.MaxInterval, c.Reconnect.InitialInterval)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %g", c.Reconnect.Multiplier)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1, got %g", c.Reconnect.Jitter)
	}

	switch c.Quote.Fields {
	case "price", "all":
	default:
		return fmt.Errorf("quote.fields must be price or all, got %q", c.Quote.Fields)
	}
	if c.Chart.WindowBars < 1 {
		return errors.New("chart.window_bars must be >= 1")
	}
	if c.Dispatch.ErrorBuffer < 1 {
		return errors.New("dispatch.error_buffer must be >= 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 0 and 65535, got %d", c.Status.Port)
	}

	for i, s := range c.Subscriptions.Series {
		prefix := fmt.Sprintf("subscriptions.series[%d]", i)
		if s.Symbol == "" {
			return fmt.Errorf("%s.symbol is required", prefix)
		}
		if s.Bars < 1 {
			return fmt.Errorf("%s.bars must be >= 1", prefix)
		}
	}
	for i, sym := range c.Subscriptions.Symbols {
		if sym == "" {
			return fmt.Errorf("subscriptions.symbols[%d] is empty", i)
		}
	}

	return nil
}
