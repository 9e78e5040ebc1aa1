package convert

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

func newConverter(t *testing.T, cols string, mutate func(*config.Transfer)) *Converter {
	t.Helper()
	typ := schema.MustParseType("STRUCT<" + cols + ">")
	s := &schema.TableSchema{Name: "t"}
	for _, f := range typ.Fields {
		s.Columns = append(s.Columns, schema.Column{Name: f.Name, Type: f.Type})
	}
	cfg := config.DefaultTransfer()
	cfg.NullIndicator = `\N`
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(s, cfg)
	require.NoError(t, err)
	return c
}

func fields(s ...string) [][]byte {
	out := make([][]byte, len(s))
	for i, v := range s {
		out[i] = []byte(v)
	}
	return out
}

func TestBooleanParse(t *testing.T) {
	c := newConverter(t, "flag:BOOLEAN", nil)

	for in, want := range map[string]bool{"1": true, "0": false, "true": true, "FALSE": false, "True": true} {
		rec, err := c.Parse(fields(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, rec.Values[0], in)
	}

	for _, bad := range []string{"a", "yes", " 1", "2", ""} {
		_, err := c.Parse(fields(bad))
		var ffe *tunnelerr.FieldFormatError
		require.ErrorAs(t, err, &ffe, bad)
		assert.Equal(t, 1, ffe.Column)
		assert.Equal(t, "BOOLEAN", ffe.Type)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	c := newConverter(t, "ti:TINYINT,si:SMALLINT,i:INT,bi:BIGINT,f:FLOAT,d:DOUBLE,b:BOOLEAN,"+
		"s:STRING,vc:VARCHAR(5),ch:CHAR(3),bin:BINARY,dt:DATE,dtm:DATETIME,ts:TIMESTAMP,dec:DECIMAL(12,4)", nil)

	values := []any{
		int64(-128),
		int64(32767),
		int64(-2147483648),
		int64(math.MaxInt64),
		float32(1.25),
		3.141592653589793,
		true,
		"héllo, wörld",
		"abcde",
		"xyz",
		[]byte{0x00, 0xff, 'a'},
		time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 12, 31, 23, 59, 58, 0, time.UTC),
		time.Date(2021, 6, 1, 8, 0, 0, 123456789, time.UTC),
		schema.MustDecimal("-12345678.0100"),
	}
	rec := &schema.Record{Schema: c.Schema(), Values: values}

	raw, err := c.Format(rec)
	require.NoError(t, err)
	assert.Equal(t, "1.25", string(raw[4]))
	assert.Equal(t, "2024-02-29", string(raw[11]))
	assert.Equal(t, "2023-12-31 23:59:58", string(raw[12]))
	assert.Equal(t, "2021-06-01 08:00:00.123456789", string(raw[13]))
	assert.Equal(t, "-12345678.0100", string(raw[14]))

	back, err := c.Parse(raw)
	require.NoError(t, err)
	for i, want := range values {
		got := back.Values[i]
		switch w := want.(type) {
		case time.Time:
			assert.True(t, w.Equal(got.(time.Time)), "column %d: %v != %v", i+1, w, got)
		case schema.Decimal:
			assert.Equal(t, w.String(), got.(schema.Decimal).String())
		default:
			assert.Equal(t, want, got, "column %d", i+1)
		}
	}
}

func TestNullRoundTrip(t *testing.T) {
	c := newConverter(t, "a:BIGINT,b:STRING,c:ARRAY<INT>,d:MAP<STRING,INT>,e:STRUCT<x:INT>", nil)
	rec := schema.NewRecord(c.Schema())

	raw, err := c.Format(rec)
	require.NoError(t, err)
	for _, f := range raw {
		assert.Equal(t, `\N`, string(f))
	}

	back, err := c.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, nil, nil, nil, nil}, back.Values)
}

func TestIntegerRanges(t *testing.T) {
	c := newConverter(t, "a:TINYINT,b:INT", nil)

	_, err := c.Parse(fields("128", "1"))
	var ffe *tunnelerr.FieldFormatError
	require.ErrorAs(t, err, &ffe)
	assert.Equal(t, 1, ffe.Column)

	_, err = c.Parse(fields("1", "2147483648"))
	require.ErrorAs(t, err, &ffe)
	assert.Equal(t, 2, ffe.Column)
	assert.Equal(t, "INT", ffe.Type)

	_, err = c.Parse(fields(" 1", "1"))
	assert.Error(t, err, "integers are not trimmed")
}

func TestFloatFormatting(t *testing.T) {
	c := newConverter(t, "d:DOUBLE", nil)
	tests := []struct {
		in   float64
		want string
	}{
		{1e21, "1000000000000000000000"},
		{0.1, "0.1"},
		{-2.5, "-2.5"},
		{1e-25, "0"},
		{1.234e-18, "0.00000000000000000123"},
		{math.Inf(1), "Infinity"},
		{math.Inf(-1), "-Infinity"},
		{math.NaN(), "NaN"},
	}
	for _, tt := range tests {
		got, err := c.FormatValue(schema.Scalar(schema.KindDouble), tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got), "%v", tt.in)
	}

	v, err := c.ParseValue(schema.Scalar(schema.KindDouble), []byte("-Infinity"))
	require.NoError(t, err)
	assert.True(t, math.IsInf(v.(float64), -1))

	exp := newConverter(t, "d:DOUBLE", func(cfg *config.Transfer) { cfg.Exponential = true })
	got, err := exp.FormatValue(schema.Scalar(schema.KindDouble), 1500000.0)
	require.NoError(t, err)
	assert.Equal(t, "1.5E+06", string(got))
	v, err = exp.ParseValue(schema.Scalar(schema.KindDouble), got)
	require.NoError(t, err)
	assert.Equal(t, 1500000.0, v)
}

func TestDatetimePatternAndFallback(t *testing.T) {
	c := newConverter(t, "d:DATETIME", func(cfg *config.Transfer) {
		cfg.DateTimeFormat = "dd/MM/yyyy HH:mm"
		cfg.TimeZone = "Asia/Shanghai"
	})
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	rec, err := c.Parse(fields("05/01/2024 13:45"))
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 1, 5, 13, 45, 0, 0, loc).Equal(rec.Values[0].(time.Time)))

	rec, err = c.Parse(fields("2024-01-05"))
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 1, 5, 0, 0, 0, 0, loc).Equal(rec.Values[0].(time.Time)))

	raw, err := c.Format(&schema.Record{Values: []any{time.Date(2024, 1, 5, 5, 45, 0, 0, time.UTC)}})
	require.NoError(t, err)
	assert.Equal(t, "05/01/2024 13:45", string(raw[0]))

	_, err = c.Parse(fields("Jan 5"))
	assert.Error(t, err)
}

func TestJavaLayout(t *testing.T) {
	tests := map[string]string{
		"yyyy-MM-dd HH:mm:ss":       "2006-01-02 15:04:05",
		"yyyyMMdd":                  "20060102",
		"yyyy-MM-dd'T'HH:mm:ss.SSS": "2006-01-02T15:04:05.000",
		"EEE, d MMM yyyy h:mm a":    "Mon, 2 Jan 2006 3:04 PM",
		"HH:mm:ssXXX":               "15:04:05-07:00",
		"''yy":                      "'06",
	}
	for in, want := range tests {
		got, err := JavaLayout(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "yyyy-QQ", "'open"} {
		_, err := JavaLayout(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompositeRoundTrip(t *testing.T) {
	c := newConverter(t, "arr:ARRAY<BIGINT>,m:MAP<STRING,ARRAY<DOUBLE>>,"+
		"st:STRUCT<name:STRING,born:DATE,score:DECIMAL(5,2),raw:BINARY,tags:MAP<INT,BOOLEAN>>", nil)

	stType := c.Schema().Columns[2].Type
	m := &schema.Map{}
	m.Put("zeta", []any{1.5, nil, math.Inf(1)})
	m.Put("alpha", nil)
	m.Put("mid", []any{})
	tags := &schema.Map{}
	tags.Put(int64(2), true)
	tags.Put(int64(1), nil)

	values := []any{
		[]any{int64(3), nil, int64(-1)},
		m,
		&schema.Struct{Type: &stType, Values: []any{
			`quote " and \ slash <b>`,
			time.Date(1990, 7, 4, 0, 0, 0, 0, time.UTC),
			schema.MustDecimal("123.40"),
			[]byte("bin\x00"),
			tags,
		}},
	}
	raw, err := c.Format(&schema.Record{Schema: c.Schema(), Values: values})
	require.NoError(t, err)

	assert.Equal(t, `[3,null,-1]`, string(raw[0]))
	assert.Equal(t, `{"zeta":[1.5,null,"Infinity"],"alpha":null,"mid":[]}`, string(raw[1]))
	assert.Equal(t, `{"name":"quote \" and \\ slash <b>","born":"1990-07-04","score":123.40,"raw":"YmluAA==","tags":{"2":true,"1":null}}`, string(raw[2]))

	back, err := c.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, values[0], back.Values[0])

	bm := back.Values[1].(*schema.Map)
	assert.Equal(t, []any{"zeta", "alpha", "mid"}, bm.Keys)
	assert.Nil(t, bm.Values[1])
	assert.Equal(t, []any{}, bm.Values[2])
	zeta := bm.Values[0].([]any)
	assert.Equal(t, 1.5, zeta[0])
	assert.Nil(t, zeta[1])
	assert.True(t, math.IsInf(zeta[2].(float64), 1))

	bs := back.Values[2].(*schema.Struct)
	name, _ := bs.Field("name")
	assert.Equal(t, `quote " and \ slash <b>`, name)
	score, _ := bs.Field("score")
	assert.Equal(t, "123.40", score.(schema.Decimal).String())
	rawField, _ := bs.Field("raw")
	assert.Equal(t, []byte("bin\x00"), rawField)
	tagField, _ := bs.Field("tags")
	assert.Equal(t, []any{int64(2), int64(1)}, tagField.(*schema.Map).Keys)
}

func TestCompositeNullDistinction(t *testing.T) {
	c := newConverter(t, "arr:ARRAY<STRING>", nil)

	whole, err := c.Parse(fields(`\N`))
	require.NoError(t, err)
	assert.Nil(t, whole.Values[0])

	inner, err := c.Parse(fields(`[null,"\\N"]`))
	require.NoError(t, err)
	assert.Equal(t, []any{nil, `\N`}, inner.Values[0])

	jsonNull, err := c.Parse(fields(`null`))
	require.NoError(t, err)
	assert.Nil(t, jsonNull.Values[0])
}

func TestCompositeErrors(t *testing.T) {
	c := newConverter(t, "arr:ARRAY<INT>,st:STRUCT<a:INT>", nil)

	for _, raw := range [][][]byte{
		fields(`[1,"x"]`, `{"a":1}`),
		fields(`[1] trailing`, `{"a":1}`),
		fields(`{"a":1}`, `{"a":1}`),
		fields(`[1]`, `{"b":1}`),
		fields(`[1]`, `{"a":99999999999}`),
		fields(`[1`, `{"a":1}`),
	} {
		_, err := c.Parse(raw)
		var ffe *tunnelerr.FieldFormatError
		assert.ErrorAs(t, err, &ffe, "%q", raw)
	}
}

func TestSchemaMismatch(t *testing.T) {
	strict := newConverter(t, "a:INT,b:STRING,c:STRING", nil)

	_, err := strict.Parse(fields("1", "x"))
	var sme *tunnelerr.SchemaMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, 3, sme.Expected)
	assert.Equal(t, 2, sme.Actual)

	_, err = strict.Parse(fields("1", "x", "y", "z"))
	require.ErrorAs(t, err, &sme)

	loose := newConverter(t, "a:INT,b:STRING,c:STRING", func(cfg *config.Transfer) { cfg.StrictSchema = false })
	rec, err := loose.Parse(fields("1", "x"))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "x", nil}, rec.Values)

	rec, err = loose.Parse(fields("1", "x", "y", "z"))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "x", "y"}, rec.Values)
}

func TestCharset(t *testing.T) {
	c := newConverter(t, "s:STRING,a:ARRAY<STRING>", func(cfg *config.Transfer) { cfg.Charset = "gbk" })

	// "中文" in GBK
	gbk := []byte{0xd6, 0xd0, 0xce, 0xc4}
	rec, err := c.Parse([][]byte{gbk, append(append([]byte(`["`), gbk...), `"]`...)})
	require.NoError(t, err)
	assert.Equal(t, "中文", rec.Values[0])
	assert.Equal(t, []any{"中文"}, rec.Values[1])

	raw, err := c.Format(rec)
	require.NoError(t, err)
	assert.Equal(t, gbk, raw[0])

	ignore := newConverter(t, "s:STRING,a:ARRAY<STRING>", func(cfg *config.Transfer) { cfg.Charset = "ignore" })
	rec, err = ignore.Parse([][]byte{gbk, []byte(`["x"]`)})
	require.NoError(t, err)
	assert.Equal(t, string(gbk), rec.Values[0])
}

func TestVarcharLength(t *testing.T) {
	c := newConverter(t, "v:VARCHAR(3)", nil)
	_, err := c.Parse(fields("日本語"))
	assert.NoError(t, err)
	_, err = c.Parse(fields("abcd"))
	assert.Error(t, err)
}

func TestFieldFormatErrorPreview(t *testing.T) {
	c := newConverter(t, "a:STRING,b:BIGINT", nil)
	_, err := c.Parse(fields("ok", "123456789012345678901234567890"))
	var ffe *tunnelerr.FieldFormatError
	require.ErrorAs(t, err, &ffe)
	assert.Equal(t, 2, ffe.Column)
	assert.Equal(t, "BIGINT", ffe.Type)
	assert.Equal(t, "12345678901234567890", ffe.Preview)
}

func TestHeader(t *testing.T) {
	c := newConverter(t, "id:BIGINT,name:STRING", nil)
	h, err := c.Header()
	require.NoError(t, err)
	assert.Equal(t, fields("id", "name"), h)
}
