package protocol

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, payload string) Event {
	t.Helper()
	events := Decode(payload)
	require.Len(t, events, 1, "payload %s", payload)
	return events[0]
}

func TestDecode_Ping(t *testing.T) {
	assert.Equal(t, Ping{Nonce: 12}, decodeOne(t, "~h~12"))

	ev := decodeOne(t, "~h~abc")
	assert.IsType(t, CriticalError{}, ev)
}

func TestDecode_ServerHello(t *testing.T) {
	ev := decodeOne(t, `{"session_id":"<0.123.456>_prodsv","timestamp":1700000000,"release":"registry.xtools.tv/tvbs_release/webchart:release_206-46"}`)

	hello, ok := ev.(ServerHello)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "<0.123.456>_prodsv", hello.SessionID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), hello.Timestamp)
}

func TestDecode_QuoteData(t *testing.T) {
	ev := decodeOne(t, `{"m":"qsd","p":["qs_1",{"n":"AAPL","s":"ok","v":{"lp":150.2,"ch":-1.25,"description":"Apple Inc."}}]}`)

	qd, ok := ev.(QuoteData)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "qs_1", qd.SessionID)
	assert.Equal(t, "AAPL", qd.Symbol)
	assert.Equal(t, "ok", qd.Status)

	lp, ok := qd.Fields.Float("lp")
	require.True(t, ok)
	assert.Equal(t, 150.2, lp)

	ch, ok := qd.Fields.Decimal("ch")
	require.True(t, ok)
	assert.Equal(t, "-1.25", ch.String())

	desc, ok := qd.Fields.String("description")
	require.True(t, ok)
	assert.Equal(t, "Apple Inc.", desc)
}

func TestDecode_QuoteDataWithoutValues(t *testing.T) {
	ev := decodeOne(t, `{"m":"qsd","p":["qs_1",{"n":"AAPL"}]}`)

	qd, ok := ev.(QuoteData)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "ok", qd.Status)
	assert.Empty(t, qd.Fields)
}

func TestDecode_SessionAck(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    SessionAck
	}{
		{
			name:    "quote",
			payload: `{"m":"quote_session_created","p":["qs_1"]}`,
			want:    SessionAck{Kind: KindQuote, SessionID: "qs_1"},
		},
		{
			name:    "chart with pending echo",
			payload: `{"m":"chart_session_created","p":["cs_srv","cs_abcdefabcdef"]}`,
			want:    SessionAck{Kind: KindChart, SessionID: "cs_srv", PendingID: "cs_abcdefabcdef"},
		},
		{
			name:    "non-string echo ignored",
			payload: `{"m":"chart_session_created","p":["cs_srv",{}]}`,
			want:    SessionAck{Kind: KindChart, SessionID: "cs_srv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeOne(t, tt.payload))
		})
	}
}

func TestDecode_SeriesData(t *testing.T) {
	payload := `{"m":"timescale_update","p":["cs_1",{` +
		`"sds_2":{"node":"n","s":[{"i":0,"v":[1700000060,2,3,1,2.5]}],"t":"s1"},` +
		`"sds_1":{"s":[{"i":0,"v":[1700000000,10,12,9,11,1500]},{"i":1,"v":[1700000060,11,13,10,12.5,900]}]},` +
		`"st1":{"st":[{"i":0,"v":[1]}]}` +
		`},{"index":1,"zoffset":0}]}`

	events := Decode(payload)
	require.Len(t, events, 2)

	first, ok := events[0].(SeriesData)
	require.True(t, ok, "got %T", events[0])
	assert.Equal(t, "cs_1", first.SessionID)
	assert.Equal(t, "sds_1", first.SeriesID)
	require.Len(t, first.Bars, 2)
	assert.Equal(t, Bar{
		Index:  0,
		Time:   time.Unix(1700000000, 0).UTC(),
		Open:   10,
		High:   12,
		Low:    9,
		Close:  11,
		Volume: 1500,
	}, first.Bars[0])
	assert.Equal(t, 12.5, first.Bars[1].Close)

	second, ok := events[1].(SeriesData)
	require.True(t, ok, "got %T", events[1])
	assert.Equal(t, "sds_2", second.SeriesID)
	require.Len(t, second.Bars, 1)
	assert.Zero(t, second.Bars[0].Volume)
}

func TestDecode_Completed(t *testing.T) {
	assert.Equal(t,
		Completed{Kind: KindQuote, SessionID: "qs_1", Key: "BINANCE:BTCUSDT"},
		decodeOne(t, `{"m":"quote_completed","p":["qs_1","BINANCE:BTCUSDT"]}`))
	assert.Equal(t,
		Completed{Kind: KindChart, SessionID: "cs_1", Key: "sds_1"},
		decodeOne(t, `{"m":"series_completed","p":["cs_1","sds_1","streaming","s1",{}]}`))
}

func TestDecode_ProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    CriticalError
	}{
		{
			name:    "critical",
			payload: `{"m":"critical_error","p":["cs_1","invalid_parameters","create_series"]}`,
			want:    CriticalError{Method: MethodCriticalError, Message: "cs_1: invalid_parameters: create_series"},
		},
		{
			name:    "symbol scoped",
			payload: `{"m":"symbol_error","p":["cs_1","sds_sym_1","invalid symbol"]}`,
			want:    CriticalError{Method: MethodSymbolError, SessionID: "cs_1", Message: "sds_sym_1: invalid symbol"},
		},
		{
			name:    "no args",
			payload: `{"m":"protocol_error","p":[]}`,
			want:    CriticalError{Method: MethodProtocolError, Message: MethodProtocolError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeOne(t, tt.payload))
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	payloads := []string{
		"garbage bytes",
		`{"m":"qsd","p":[`,
		`{"m":"qsd","p":[42]}`,
		`{"m":"qsd","p":["qs_1"]}`,
		`{"m":"qsd","p":["qs_1",{"s":"ok"}]}`,
		`{"m":"du","p":["cs_1",{"sds_1":{"s":[{"i":0,"v":[1,2,3]}]}}]}`,
		`{"m":"quote_session_created","p":[]}`,
	}

	for _, p := range payloads {
		ev := decodeOne(t, p)
		ce, ok := ev.(CriticalError)
		require.True(t, ok, "payload %s: got %T", p, ev)
		assert.NotEmpty(t, ce.Message)
	}
}

func TestDecode_Unrecognized(t *testing.T) {
	ev := decodeOne(t, `{"m":"study_loading","p":["cs_1","st1"]}`)
	assert.Equal(t, Unrecognized{Method: "study_loading", Raw: `{"m":"study_loading","p":["cs_1","st1"]}`}, ev)

	ev = decodeOne(t, `{"foo":1}`)
	assert.IsType(t, Unrecognized{}, ev)
}

func TestIsData(t *testing.T) {
	assert.True(t, IsData(QuoteData{}))
	assert.True(t, IsData(SeriesData{}))
	assert.True(t, IsData(Completed{}))
	assert.False(t, IsData(SessionAck{}))
	assert.False(t, IsData(CriticalError{}))
	assert.False(t, IsData(Ping{}))
}

func TestFields_Merge(t *testing.T) {
	var snap Fields
	snap = snap.Merge(Fields{"lp": json.Number("1.5"), "ch": json.Number("0.1")})
	snap = snap.Merge(Fields{"lp": json.Number("1.6")})

	lp, ok := snap.Float("lp")
	require.True(t, ok)
	assert.Equal(t, 1.6, lp)

	_, ok = snap.Float("missing")
	assert.False(t, ok)

	clone := snap.Clone()
	clone["lp"] = json.Number("2")
	lp, _ = snap.Float("lp")
	assert.Equal(t, 1.6, lp)
}
