package protocol

import (
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Fields holds quote values keyed by provider field name ("lp", "ch", "volume"...).
// Numbers are kept as json.Number so prices keep their wire precision.
type Fields map[string]any

// Float returns a numeric field as float64.
func (f Fields) Float(name string) (float64, bool) {
	switch v := f[name].(type) {
	case json.Number:
		x, err := v.Float64()
		return x, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		x, err := strconv.ParseFloat(v, 64)
		return x, err == nil
	}
	return 0, false
}

// Decimal returns a numeric field without binary floating point rounding.
func (f Fields) Decimal(name string) (decimal.Decimal, bool) {
	switch v := f[name].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// String returns a string field.
func (f Fields) String(name string) (string, bool) {
	s, ok := f[name].(string)
	return s, ok
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge overwrites f with every value present in delta and returns f.
// A nil f is allocated.
func (f Fields) Merge(delta Fields) Fields {
	if f == nil {
		f = make(Fields, len(delta))
	}
	for k, v := range delta {
		f[k] = v
	}
	return f
}
