package tablestore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/convert"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
)

// rowCodec maps table records to flat parquet rows. Every column is an
// optional leaf; DECIMAL and composite columns are stored as text.
type rowCodec struct {
	table  *schema.TableSchema
	schema *parquet.Schema
	leafOf []int // table position -> parquet column index
	posOf  []int // parquet column index -> table position
	conv   *convert.Converter
}

// storageTransfer is the fixed text form used for values stored as text,
// independent of the options of any one transfer.
func storageTransfer() config.Transfer {
	t := config.DefaultTransfer()
	t.Charset = "utf-8"
	t.TimeZone = "UTC"
	t.DateTimeFormat = "yyyy-MM-dd HH:mm:ss.SSSSSSSSS"
	t.NullIndicator = ""
	t.Exponential = false
	return t
}

func newRowCodec(table *schema.TableSchema) (*rowCodec, error) {
	group := parquet.Group{}
	for _, col := range table.Columns {
		group[col.Name] = parquet.Optional(parquetNode(col.Type))
	}
	ps := parquet.NewSchema(table.Name, group)

	index := make(map[string]int, len(table.Columns))
	for i, f := range ps.Fields() {
		index[f.Name()] = i
	}

	c := &rowCodec{
		table:  table,
		schema: ps,
		leafOf: make([]int, len(table.Columns)),
		posOf:  make([]int, len(table.Columns)),
	}
	for pos, col := range table.Columns {
		leaf, ok := index[col.Name]
		if !ok {
			return nil, fmt.Errorf("column %s missing from parquet schema", col.Name)
		}
		c.leafOf[pos] = leaf
		c.posOf[leaf] = pos
	}

	conv, err := convert.New(table, storageTransfer())
	if err != nil {
		return nil, fmt.Errorf("storage converter: %w", err)
	}
	c.conv = conv
	return c, nil
}

func parquetNode(t schema.ColumnType) parquet.Node {
	switch t.Kind {
	case schema.KindTinyInt:
		return parquet.Int(8)
	case schema.KindSmallInt:
		return parquet.Int(16)
	case schema.KindInt:
		return parquet.Int(32)
	case schema.KindBigInt:
		return parquet.Int(64)
	case schema.KindFloat:
		return parquet.Leaf(parquet.FloatType)
	case schema.KindDouble:
		return parquet.Leaf(parquet.DoubleType)
	case schema.KindBoolean:
		return parquet.Leaf(parquet.BooleanType)
	case schema.KindBinary:
		return parquet.Leaf(parquet.ByteArrayType)
	case schema.KindDate:
		return parquet.Date()
	case schema.KindDatetime, schema.KindTimestamp:
		return parquet.Timestamp(parquet.Nanosecond)
	default:
		// strings, decimals and composites
		return parquet.String()
	}
}

func (c *rowCodec) encode(rec *schema.Record) (parquet.Row, error) {
	row := make(parquet.Row, len(c.table.Columns))
	for pos, col := range c.table.Columns {
		leaf := c.leafOf[pos]
		var v any
		if pos < len(rec.Values) {
			v = rec.Values[pos]
		}
		if v == nil {
			row[leaf] = parquet.NullValue().Level(0, 0, leaf)
			continue
		}
		pv, err := c.encodeValue(col.Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		row[leaf] = pv.Level(0, 1, leaf)
	}
	return row, nil
}

func (c *rowCodec) encodeValue(t schema.ColumnType, v any) (parquet.Value, error) {
	switch t.Kind {
	case schema.KindTinyInt, schema.KindSmallInt, schema.KindInt:
		n, ok := v.(int64)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected int64, got %T", v)
		}
		return parquet.Int32Value(int32(n)), nil
	case schema.KindBigInt:
		n, ok := v.(int64)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected int64, got %T", v)
		}
		return parquet.Int64Value(n), nil
	case schema.KindFloat:
		f, ok := v.(float32)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected float32, got %T", v)
		}
		return parquet.FloatValue(f), nil
	case schema.KindDouble:
		f, ok := v.(float64)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected float64, got %T", v)
		}
		return parquet.DoubleValue(f), nil
	case schema.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected bool, got %T", v)
		}
		return parquet.BooleanValue(b), nil
	case schema.KindString, schema.KindVarchar, schema.KindChar:
		s, ok := v.(string)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected string, got %T", v)
		}
		return parquet.ByteArrayValue([]byte(s)), nil
	case schema.KindBinary:
		b, ok := v.([]byte)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected []byte, got %T", v)
		}
		return parquet.ByteArrayValue(b), nil
	case schema.KindDate:
		tm, ok := v.(time.Time)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected time.Time, got %T", v)
		}
		return parquet.Int32Value(epochDays(tm)), nil
	case schema.KindDatetime, schema.KindTimestamp:
		tm, ok := v.(time.Time)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected time.Time, got %T", v)
		}
		return parquet.Int64Value(tm.UnixNano()), nil
	}

	// decimals and composites
	text, err := c.conv.FormatValue(t, v)
	if err != nil {
		return parquet.Value{}, err
	}
	return parquet.ByteArrayValue(text), nil
}

func (c *rowCodec) decode(row parquet.Row) (*schema.Record, error) {
	rec := schema.NewRecord(c.table)
	for _, pv := range row {
		leaf := pv.Column()
		if leaf < 0 || leaf >= len(c.posOf) {
			return nil, fmt.Errorf("unexpected parquet column %d", leaf)
		}
		if pv.IsNull() {
			continue
		}
		pos := c.posOf[leaf]
		col := c.table.Columns[pos]
		v, err := c.decodeValue(col.Type, pv)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		rec.Values[pos] = v
	}
	return rec, nil
}

func (c *rowCodec) decodeValue(t schema.ColumnType, pv parquet.Value) (any, error) {
	switch t.Kind {
	case schema.KindTinyInt, schema.KindSmallInt, schema.KindInt, schema.KindBigInt:
		switch pv.Kind() {
		case parquet.Int32:
			return int64(pv.Int32()), nil
		case parquet.Int64:
			return pv.Int64(), nil
		}
		return nil, fmt.Errorf("unexpected parquet kind %s for %s", pv.Kind(), t)
	case schema.KindFloat:
		return pv.Float(), nil
	case schema.KindDouble:
		return pv.Double(), nil
	case schema.KindBoolean:
		return pv.Boolean(), nil
	case schema.KindString, schema.KindVarchar, schema.KindChar:
		return string(pv.ByteArray()), nil
	case schema.KindBinary:
		return bytes.Clone(pv.ByteArray()), nil
	case schema.KindDate:
		return time.Date(1970, 1, 1+int(pv.Int32()), 0, 0, 0, 0, time.UTC), nil
	case schema.KindDatetime, schema.KindTimestamp:
		return time.Unix(0, pv.Int64()).UTC(), nil
	}
	return c.conv.ParseValue(t, bytes.Clone(pv.ByteArray()))
}

// epochDays counts calendar days since 1970-01-01 for the date tm carries
// in its own location.
func epochDays(tm time.Time) int32 {
	day := time.Date(tm.Year(), tm.Month(), tm.Day(), 0, 0, 0, 0, time.UTC)
	return int32(day.Unix() / 86400)
}
