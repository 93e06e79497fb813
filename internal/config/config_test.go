package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/tvstream/internal/engine"
	"github.com/rickgao/tvstream/internal/protocol"
)

func TestLoad(t *testing.T) {
	yaml := `
feed:
  url: wss://example.test/socket.io/websocket
  ping_timeout: 15s
reconnect:
  multiplier: 1.5
subscriptions:
  symbols:
    - NASDAQ:AAPL
    - BINANCE:BTCUSDT
  series:
    - symbol: NASDAQ:AAPL
      resolution: "60"
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Feed.URL != "wss://example.test/socket.io/websocket" {
		t.Errorf("Feed.URL = %q, want %q", cfg.Feed.URL, "wss://example.test/socket.io/websocket")
	}
	if cfg.Feed.PingTimeout != 15*time.Second {
		t.Errorf("Feed.PingTimeout = %v, want %v", cfg.Feed.PingTimeout, 15*time.Second)
	}
	if cfg.Reconnect.Multiplier != 1.5 {
		t.Errorf("Reconnect.Multiplier = %v, want 1.5", cfg.Reconnect.Multiplier)
	}
	if len(cfg.Subscriptions.Symbols) != 2 {
		t.Errorf("Subscriptions.Symbols = %v, want 2 entries", cfg.Subscriptions.Symbols)
	}
	if len(cfg.Subscriptions.Series) != 1 || cfg.Subscriptions.Series[0].Resolution != "60" {
		t.Errorf("Subscriptions.Series = %+v, want one 60 series", cfg.Subscriptions.Series)
	}
	// Load alone does not apply defaults
	if cfg.Feed.ImplicitAck != nil {
		t.Errorf("Feed.ImplicitAck = %v, want nil before defaults", *cfg.Feed.ImplicitAck)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_TV_TOKEN", "secret123")

	yaml := `
feed:
  auth_token: ${TEST_TV_TOKEN}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Feed.AuthToken != "secret123" {
		t.Errorf("Feed.AuthToken = %q, want %q", cfg.Feed.AuthToken, "secret123")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Errorf("Load error = %v, want read config file error", err)
	}
}

func TestParseEnvFallback(t *testing.T) {
	t.Setenv("TEST_TV_ORIGIN", "")

	cfg, err := Parse([]byte("feed:\n  url: ${TEST_TV_UNSET_URL:-wss://fallback.test/ws}\n  origin: ${TEST_TV_ORIGIN:-https://example.test}\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Feed.URL != "wss://fallback.test/ws" {
		t.Errorf("Feed.URL = %q, want fallback", cfg.Feed.URL)
	}
	if cfg.Feed.Origin != "https://example.test" {
		t.Errorf("Feed.Origin = %q, want fallback for empty variable", cfg.Feed.Origin)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("feed:\n  ulr: wss://typo.test\n"))
	if err == nil || !strings.Contains(err.Error(), "ulr") {
		t.Errorf("Parse error = %v, want unknown field ulr", err)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Feed.URL != "" {
		t.Errorf("Feed.URL = %q, want empty", cfg.Feed.URL)
	}
}

func TestLoadErrorNamesFile(t *testing.T) {
	path := writeTempFile(t, "feed: [\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("Load error = %v, want it to name %s", err, path)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
subscriptions:
  series:
    - symbol: NASDAQ:AAPL
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Feed.URL != DefaultFeedURL {
		t.Errorf("Feed.URL = %q, want default %q", cfg.Feed.URL, DefaultFeedURL)
	}
	if cfg.Feed.ImplicitAck == nil || !*cfg.Feed.ImplicitAck {
		t.Errorf("Feed.ImplicitAck = %v, want default true", cfg.Feed.ImplicitAck)
	}
	if cfg.Reconnect.MaxInterval != DefaultMaxInterval {
		t.Errorf("Reconnect.MaxInterval = %v, want default %v", cfg.Reconnect.MaxInterval, DefaultMaxInterval)
	}
	if cfg.Chart.WindowBars != DefaultWindowBars {
		t.Errorf("Chart.WindowBars = %d, want default %d", cfg.Chart.WindowBars, DefaultWindowBars)
	}
	if cfg.Logging.MaxSizeMB != 0 {
		t.Errorf("Logging.MaxSizeMB = %d, want 0 without a log file", cfg.Logging.MaxSizeMB)
	}

	s := cfg.Subscriptions.Series[0]
	if s.Resolution != DefaultSeriesResolution || s.Bars != DefaultSeriesBars || s.Adjustment != DefaultSeriesAdjustment {
		t.Errorf("Series = %+v, want defaults", s)
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "logging:\n  level: loud\n")

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("LoadAndValidate expected error")
	}
	if !strings.HasPrefix(err.Error(), "validate config: logging.level") {
		t.Errorf("error = %q, want validate config: logging.level prefix", err.Error())
	}
}

func TestImplicitAckExplicitFalse(t *testing.T) {
	path := writeTempFile(t, "feed:\n  implicit_ack: false\n")

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
	if *cfg.Feed.ImplicitAck {
		t.Error("Feed.ImplicitAck = true, want false")
	}
	if cfg.EngineConfig("").Session.ImplicitAck {
		t.Error("engine Session.ImplicitAck = true, want false")
	}
}

func validConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "http url",
			mutate:  func(c *Config) { c.Feed.URL = "https://example.test" },
			wantErr: `feed.url must be a ws:// or wss:// url, got "https://example.test"`,
		},
		{
			name:    "negative event buffer",
			mutate:  func(c *Config) { c.Feed.EventBuffer = -1 },
			wantErr: "feed.event_buffer must be >= 1",
		},
		{
			name: "max below initial",
			mutate: func(c *Config) {
				c.Reconnect.InitialInterval = 10 * time.Second
				c.Reconnect.MaxInterval = 5 * time.Second
			},
			wantErr: "reconnect.max_interval (5s) cannot be less than initial_interval (10s)",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Reconnect.Jitter = 1.5 },
			wantErr: "reconnect.jitter must be between 0 and 1, got 1.5",
		},
		{
			name:    "unknown field set",
			mutate:  func(c *Config) { c.Quote.Fields = "some" },
			wantErr: `quote.fields must be price or all, got "some"`,
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
		{
			name:    "status port out of range",
			mutate:  func(c *Config) { c.Status.Port = 70000 },
			wantErr: "status.port must be between 0 and 65535, got 70000",
		},
		{
			name: "series without symbol",
			mutate: func(c *Config) {
				c.Subscriptions.Series = []SeriesConfig{{Resolution: "1D", Bars: 10}}
			},
			wantErr: "subscriptions.series[0].symbol is required",
		},
		{
			name:    "empty symbol",
			mutate:  func(c *Config) { c.Subscriptions.Symbols = []string{"NASDAQ:AAPL", ""} },
			wantErr: "subscriptions.symbols[1] is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Feed.AuthToken = "tok"
	cfg.Feed.EventBuffer = 42
	cfg.Reconnect.Jitter = 0.25
	cfg.Quote.Fields = "all"
	cfg.Chart.WindowBars = 50
	cfg.Subscriptions.Series = []SeriesConfig{{Symbol: "NASDAQ:AAPL", Resolution: "60", Bars: 10, Adjustment: "dividends"}}

	ec := cfg.EngineConfig("tvstream/test")

	if ec.AuthToken != "tok" {
		t.Errorf("AuthToken = %q, want tok", ec.AuthToken)
	}
	if ec.Connection.Client.UserAgent != "tvstream/test" {
		t.Errorf("UserAgent = %q, want tvstream/test", ec.Connection.Client.UserAgent)
	}
	if ec.Connection.Client.EventBufferSize != 42 || ec.Connection.EventBufferSize != 42 {
		t.Errorf("event buffers = %d/%d, want 42", ec.Connection.Client.EventBufferSize, ec.Connection.EventBufferSize)
	}
	if ec.Connection.Backoff.RandomizationFactor != 0.25 {
		t.Errorf("RandomizationFactor = %v, want 0.25", ec.Connection.Backoff.RandomizationFactor)
	}
	if ec.QuoteFields != protocol.FieldSetAll {
		t.Errorf("QuoteFields = %q, want all", ec.QuoteFields)
	}
	if ec.Session.WindowBars != 50 {
		t.Errorf("WindowBars = %d, want 50", ec.Session.WindowBars)
	}

	specs := cfg.SeriesSpecs()
	want := protocol.SeriesSpec{Symbol: "NASDAQ:AAPL", Resolution: "60", Bars: 10, Adjustment: "dividends"}
	if len(specs) != 1 || specs[0] != want {
		t.Errorf("SeriesSpecs = %+v, want [%+v]", specs, want)
	}

	// Empty token stays anonymous
	cfg.Feed.AuthToken = ""
	if got := cfg.EngineConfig("").AuthToken; got != engine.AnonymousToken {
		t.Errorf("AuthToken = %q, want %q", got, engine.AnonymousToken)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
