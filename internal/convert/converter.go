// Package convert maps raw delimited fields to typed records and back.
//
// Composite columns (ARRAY, MAP, STRUCT) travel as one JSON document per
// column. Inside a document a null element is JSON null; the configured null
// indicator only ever stands for a whole column.
package convert

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// Converter converts between raw fields and records for one table schema.
// It holds no mutable state and may be shared between workers.
type Converter struct {
	schema         *schema.TableSchema
	null           []byte
	strict         bool
	exponential    bool
	loc            *time.Location
	datetimeLayout string
	charset        encoding.Encoding // nil passes bytes through
}

// New builds a converter for s using cfg.
func New(s *schema.TableSchema, cfg config.Transfer) (*Converter, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	layout, err := JavaLayout(cfg.DateTimeFormat)
	if err != nil {
		return nil, err
	}

	c := &Converter{
		schema:         s,
		null:           []byte(cfg.NullIndicator),
		strict:         cfg.StrictSchema,
		exponential:    cfg.Exponential,
		loc:            loc,
		datetimeLayout: layout,
	}
	if !cfg.IgnoreCharset() {
		enc, err := htmlindex.Get(cfg.Charset)
		if err != nil {
			return nil, fmt.Errorf("charset %q: %w", cfg.Charset, err)
		}
		c.charset = enc
	}
	return c, nil
}

// Schema returns the table schema the converter was built for.
func (c *Converter) Schema() *schema.TableSchema { return c.schema }

// Parse converts raw fields into a record. Conversion failures are reported
// as *tunnelerr.FieldFormatError, count mismatches under strict schema as
// *tunnelerr.SchemaMismatchError.
func (c *Converter) Parse(raw [][]byte) (*schema.Record, error) {
	cols := c.schema.Columns
	if len(raw) != len(cols) && c.strict {
		return nil, &tunnelerr.SchemaMismatchError{Expected: len(cols), Actual: len(raw)}
	}

	rec := schema.NewRecord(c.schema)
	for i, col := range cols {
		if i >= len(raw) {
			break
		}
		v, err := c.ParseValue(col.Type, raw[i])
		if err != nil {
			return nil, tunnelerr.NewFieldFormatError(i+1, col.Type.String(), raw[i], err)
		}
		rec.Values[i] = v
	}
	return rec, nil
}

// Format renders rec as raw fields, one per schema column.
func (c *Converter) Format(rec *schema.Record) ([][]byte, error) {
	cols := c.schema.Columns
	out := make([][]byte, len(cols))
	for i, col := range cols {
		var v any
		if i < len(rec.Values) {
			v = rec.Values[i]
		}
		b, err := c.FormatValue(col.Type, v)
		if err != nil {
			return nil, tunnelerr.NewFieldFormatError(i+1, col.Type.String(), []byte(fmt.Sprint(v)), err)
		}
		out[i] = b
	}
	return out, nil
}

// ParseValue converts one raw column value.
func (c *Converter) ParseValue(t schema.ColumnType, raw []byte) (any, error) {
	if bytes.Equal(raw, c.null) {
		return nil, nil
	}
	if t.Kind.IsComposite() {
		return c.parseComposite(t, raw)
	}
	return c.parseScalar(t, raw)
}

// FormatValue renders one column value; nil renders as the null indicator.
func (c *Converter) FormatValue(t schema.ColumnType, v any) ([]byte, error) {
	if v == nil {
		return append([]byte(nil), c.null...), nil
	}
	if t.Kind.IsComposite() {
		return c.formatComposite(t, v)
	}
	return c.formatScalar(t, v)
}

// Header renders the column names as a raw record.
func (c *Converter) Header() ([][]byte, error) {
	out := make([][]byte, c.schema.Len())
	for i, name := range c.schema.Names() {
		b, err := c.encodeText(name)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (c *Converter) decodeText(raw []byte) (string, error) {
	if c.charset == nil {
		return string(raw), nil
	}
	b, err := c.charset.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode charset: %w", err)
	}
	return string(b), nil
}

func (c *Converter) encodeText(s string) ([]byte, error) {
	if c.charset == nil {
		return []byte(s), nil
	}
	b, err := c.charset.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode charset: %w", err)
	}
	return b, nil
}
