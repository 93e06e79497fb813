package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Command is an outbound method call.
type Command struct {
	Method string `json:"m"`
	Params []any  `json:"p"`
}

// Payload returns the JSON payload without framing.
func (c Command) Payload() (string, error) {
	if c.Params == nil {
		c.Params = []any{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", c.Method, err)
	}
	return string(data), nil
}

// Encode returns the framed command ready to be written.
func (c Command) Encode() ([]byte, error) {
	payload, err := c.Payload()
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload), nil
}

// FieldSet selects which quote fields a quote session asks for.
type FieldSet string

const (
	FieldSetPrice FieldSet = "price"
	FieldSetAll   FieldSet = "all"
)

// priceFields are the fields needed to follow a price.
var priceFields = []string{
	"lp",
	"high_price",
	"low_price",
	"price_52_week_high",
	"price_52_week_low",
}

// allFields is every quote field the provider publishes.
var allFields = []string{
	"base-currency-logoid", "ch", "chp", "currency-logoid", "currency_code",
	"current_session", "description", "exchange", "format", "fractional",
	"is_tradable", "language", "local_description", "logoid", "lp",
	"lp_time", "minmov", "minmove2", "original_name", "pricescale",
	"pro_name", "short_name", "type", "update_mode", "volume",
	"ask", "bid", "fundamentals", "high_price", "low_price",
	"open_price", "prev_close_price", "rch", "rchp", "rtc",
	"rtc_time", "status", "industry", "basic_eps_net_income", "beta_1_year",
	"market_cap_basic", "earnings_per_share_basic_ttm", "price_earnings_ttm", "sector", "dividends_yield",
	"timezone", "country_code", "provider_id",
}

// Fields returns the field names for the set. Unknown sets fall back to price.
func (s FieldSet) Fields() []string {
	var src []string
	switch s {
	case FieldSetAll:
		src = allFields
	default:
		src = priceFields
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// SeriesSpec describes a bar series to open on a chart session.
type SeriesSpec struct {
	Symbol     string // "EXCHANGE:SYMBOL", e.g. "BINANCE:BTCUSDT"
	Resolution string // "1", "5", "60", "1D", "1W"...
	Bars       int    // History depth requested on creation
	Adjustment string // "splits" or "dividends"
}

// Default series values.
const (
	DefaultResolution = "1D"
	DefaultSeriesBars = 300
	DefaultAdjustment = "splits"
)

var ErrInvalidSeries = errors.New("invalid series spec")

// WithDefaults fills unset optional fields.
func (s SeriesSpec) WithDefaults() SeriesSpec {
	if s.Resolution == "" {
		s.Resolution = DefaultResolution
	}
	if s.Bars <= 0 {
		s.Bars = DefaultSeriesBars
	}
	if s.Adjustment == "" {
		s.Adjustment = DefaultAdjustment
	}
	return s
}

// Validate checks the required fields.
func (s SeriesSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidSeries)
	}
	if s.Bars < 0 {
		return fmt.Errorf("%w: bars must be >= 0, got %d", ErrInvalidSeries, s.Bars)
	}
	return nil
}

// SetAuthToken authenticates the connection. Anonymous clients send
// "unauthorized_user_token".
func SetAuthToken(token string) Command {
	return Command{Method: "set_auth_token", Params: []any{token}}
}

func QuoteCreateSession(sessionID string) Command {
	return Command{Method: "quote_create_session", Params: []any{sessionID}}
}

func QuoteSetFields(sessionID string, fields []string) Command {
	params := make([]any, 0, len(fields)+1)
	params = append(params, sessionID)
	for _, f := range fields {
		params = append(params, f)
	}
	return Command{Method: "quote_set_fields", Params: params}
}

func QuoteAddSymbols(sessionID string, symbols ...string) Command {
	return Command{Method: "quote_add_symbols", Params: symbolParams(sessionID, symbols)}
}

func QuoteRemoveSymbols(sessionID string, symbols ...string) Command {
	return Command{Method: "quote_remove_symbols", Params: symbolParams(sessionID, symbols)}
}

func QuoteDeleteSession(sessionID string) Command {
	return Command{Method: "quote_delete_session", Params: []any{sessionID}}
}

func ChartCreateSession(sessionID string) Command {
	return Command{Method: "chart_create_session", Params: []any{sessionID, ""}}
}

func ChartDeleteSession(sessionID string) Command {
	return Command{Method: "chart_delete_session", Params: []any{sessionID}}
}

// ResolveSymbol binds symbolID to the spec's symbol on a chart session.
// The provider expects the descriptor as a "="-prefixed JSON string.
func ResolveSymbol(sessionID, symbolID string, spec SeriesSpec) (Command, error) {
	desc, err := json.Marshal(struct {
		Symbol     string `json:"symbol"`
		Adjustment string `json:"adjustment"`
	}{spec.Symbol, spec.Adjustment})
	if err != nil {
		return Command{}, fmt.Errorf("encode symbol descriptor: %w", err)
	}
	return Command{
		Method: "resolve_symbol",
		Params: []any{sessionID, symbolID, "=" + string(desc)},
	}, nil
}

// CreateSeries opens seriesID over a resolved symbol.
func CreateSeries(sessionID, seriesID, symbolID string, spec SeriesSpec) Command {
	return Command{
		Method: "create_series",
		Params: []any{sessionID, seriesID, "s1", symbolID, spec.Resolution, spec.Bars, ""},
	}
}

func RemoveSeries(sessionID, seriesID string) Command {
	return Command{Method: "remove_series", Params: []any{sessionID, seriesID}}
}

func symbolParams(sessionID string, symbols []string) []any {
	params := make([]any, 0, len(symbols)+1)
	params = append(params, sessionID)
	for _, s := range symbols {
		params = append(params, s)
	}
	return params
}
