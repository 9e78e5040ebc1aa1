package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"bigint", "BIGINT"},
		{"INTEGER", "INT"},
		{"varchar(20)", "VARCHAR(20)"},
		{"CHAR( 4 )", "CHAR(4)"},
		{"decimal", "DECIMAL"},
		{"decimal(10, 2)", "DECIMAL(10,2)"},
		{"array<int>", "ARRAY<INT>"},
		{"map<string, array<double>>", "MAP<STRING,ARRAY<DOUBLE>>"},
		{"struct<name:string, age:tinyint, tags:array<string>>", "STRUCT<name:STRING,age:TINYINT,tags:ARRAY<STRING>>"},
		{"ARRAY<STRUCT<a:MAP<BIGINT,DATETIME>>>", "ARRAY<STRUCT<a:MAP<BIGINT,DATETIME>>>"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			typ, err := ParseType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, typ.String())

			again, err := ParseType(typ.String())
			require.NoError(t, err)
			assert.Equal(t, typ, again)
		})
	}
}

func TestParseTypeErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"NUMBER",
		"VARCHAR",
		"ARRAY<INT",
		"MAP<ARRAY<INT>,INT>",
		"STRUCT<>",
		"DECIMAL(2,5)",
		"INT extra",
	} {
		_, err := ParseType(in)
		assert.Error(t, err, in)
	}
}

func TestColumnTypeJSON(t *testing.T) {
	s := TableSchema{
		Name: "t",
		Columns: []Column{
			{Name: "id", Type: Scalar(KindBigInt)},
			{Name: "m", Type: MapOf(Scalar(KindString), ArrayOf(Scalar(KindInt)))},
		},
		PartitionKeys: []string{"dt"},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"MAP<STRING,ARRAY<INT>>"`)

	var back TableSchema
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
	assert.True(t, back.IsPartitioned())
	assert.True(t, back.HasPartitionKey("DT"))
}

func TestTableSchemaValidate(t *testing.T) {
	s := &TableSchema{Name: "t", Columns: []Column{
		{Name: "a", Type: Scalar(KindInt)},
		{Name: "A", Type: Scalar(KindString)},
	}}
	assert.Error(t, s.Validate())

	s.Columns[1].Name = "b"
	assert.NoError(t, s.Validate())
	assert.Equal(t, []string{"a", "b"}, s.Names())
}

func TestDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"123.4500", "123.4500"},
		{"-0.001", "-0.001"},
		{".5", "0.5"},
		{"+7.", "7"},
		{"1.5E3", "1500"},
		{"12E-4", "0.0012"},
		{"123456789012345678901234567890.123456789", "123456789012345678901234567890.123456789"},
	}
	for _, tt := range tests {
		d, err := ParseDecimal(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d.String(), tt.in)
	}

	for _, bad := range []string{"", ".", "-", "1.2.3", "abc", "1e", "1,000", "Infinity"} {
		_, err := ParseDecimal(bad)
		assert.Error(t, err, bad)
	}

	// huge exponents are refused before anything is expanded
	for _, huge := range []string{"1e99999999", "-7.5e20000000", "1e-99999999", "12345e1020"} {
		_, err := ParseDecimal(huge)
		assert.ErrorContains(t, err, "exceeds", huge)
	}
	d, err := ParseDecimal("1e1000")
	require.NoError(t, err)
	assert.Equal(t, 1001, len(d.String()))

	assert.Equal(t, 0, MustDecimal("1.50").Cmp(MustDecimal("1.5")))
	assert.Equal(t, -1, MustDecimal("-2").Cmp(MustDecimal("1")))
}

func TestDecimalCheckPrecision(t *testing.T) {
	assert.NoError(t, MustDecimal("12345678.99").CheckPrecision(10, 2))
	assert.Error(t, MustDecimal("123456789.9").CheckPrecision(10, 2))
	assert.Error(t, MustDecimal("1.999").CheckPrecision(10, 2))
	assert.NoError(t, MustDecimal("1e30").CheckPrecision(0, 0))
}
