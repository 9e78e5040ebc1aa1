package convert

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
)

func (c *Converter) formatComposite(t schema.ColumnType, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.writeJSON(&buf, t, v); err != nil {
		return nil, err
	}
	return c.encodeText(buf.String())
}

func (c *Converter) writeJSON(buf *bytes.Buffer, t schema.ColumnType, v any) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}

	switch t.Kind {
	case schema.KindArray:
		elems, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected []any for %s, got %T", t, v)
		}
		buf.WriteByte('[')
		for i, e := range elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := c.writeJSON(buf, *t.Elem, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case schema.KindMap:
		m, ok := v.(*schema.Map)
		if !ok {
			return fmt.Errorf("expected *schema.Map for %s, got %T", t, v)
		}
		buf.WriteByte('{')
		for i, k := range m.Keys {
			if k == nil {
				return fmt.Errorf("null map key")
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := c.formatScalarText(*t.Key, k)
			if err != nil {
				return err
			}
			writeJSONString(buf, key)
			buf.WriteByte(':')
			if err := c.writeJSON(buf, *t.Value, m.Values[i]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case schema.KindStruct:
		s, ok := v.(*schema.Struct)
		if !ok {
			return fmt.Errorf("expected *schema.Struct for %s, got %T", t, v)
		}
		if len(s.Values) != len(t.Fields) {
			return fmt.Errorf("struct has %d values, %s has %d fields", len(s.Values), t, len(t.Fields))
		}
		buf.WriteByte('{')
		for i, f := range t.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, f.Name)
			buf.WriteByte(':')
			if err := c.writeJSON(buf, f.Type, s.Values[i]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	}

	return c.writeJSONScalar(buf, t, v)
}

func (c *Converter) writeJSONScalar(buf *bytes.Buffer, t schema.ColumnType, v any) error {
	switch t.Kind {
	case schema.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		if b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil

	case schema.KindTinyInt, schema.KindSmallInt, schema.KindInt, schema.KindBigInt, schema.KindDecimal:
		s, err := c.formatScalarText(t, v)
		if err != nil {
			return err
		}
		buf.WriteString(s)
		return nil

	case schema.KindFloat, schema.KindDouble:
		s, err := c.formatScalarText(t, v)
		if err != nil {
			return err
		}
		// JSON has no literal for these
		if s == "Infinity" || s == "-Infinity" || s == "NaN" {
			writeJSONString(buf, s)
		} else {
			buf.WriteString(s)
		}
		return nil

	case schema.KindBinary:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected []byte, got %T", v)
		}
		writeJSONString(buf, base64.StdEncoding.EncodeToString(b))
		return nil
	}

	s, err := c.formatScalarText(t, v)
	if err != nil {
		return err
	}
	writeJSONString(buf, s)
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	buf.Truncate(buf.Len() - 1) // Encode appends a newline
}

func (c *Converter) parseComposite(t schema.ColumnType, raw []byte) (any, error) {
	text, err := c.decodeText(raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	v, err := c.readJSON(dec, t)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after %s value", t.Kind)
	}
	return v, nil
}

func (c *Converter) readJSON(dec *json.Decoder, t schema.ColumnType) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid json for %s: %w", t, err)
	}
	if tok == nil {
		return nil, nil
	}

	switch t.Kind {
	case schema.KindArray:
		if err := expectDelim(tok, '['); err != nil {
			return nil, err
		}
		elems := []any{}
		for dec.More() {
			e, err := c.readJSON(dec, *t.Elem)
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return elems, nil

	case schema.KindMap:
		if err := expectDelim(tok, '{'); err != nil {
			return nil, err
		}
		m := &schema.Map{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			ks, _ := kt.(string)
			k, err := c.parseScalarText(*t.Key, ks)
			if err != nil {
				return nil, fmt.Errorf("map key %q: %w", ks, err)
			}
			val, err := c.readJSON(dec, *t.Value)
			if err != nil {
				return nil, err
			}
			m.Put(k, val)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return m, nil

	case schema.KindStruct:
		if err := expectDelim(tok, '{'); err != nil {
			return nil, err
		}
		st := &schema.Struct{Type: &t, Values: make([]any, len(t.Fields))}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := kt.(string)
			idx := fieldIndex(t.Fields, name)
			if idx < 0 {
				return nil, fmt.Errorf("unknown struct field %q", name)
			}
			val, err := c.readJSON(dec, t.Fields[idx].Type)
			if err != nil {
				return nil, err
			}
			st.Values[idx] = val
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return st, nil
	}

	return c.readJSONScalar(t, tok)
}

func (c *Converter) readJSONScalar(t schema.ColumnType, tok json.Token) (any, error) {
	switch v := tok.(type) {
	case json.Delim:
		return nil, fmt.Errorf("expected %s, got %s", t, v)

	case bool:
		if t.Kind != schema.KindBoolean {
			return nil, fmt.Errorf("expected %s, got boolean", t)
		}
		return v, nil

	case json.Number:
		switch t.Kind {
		case schema.KindTinyInt, schema.KindSmallInt, schema.KindInt, schema.KindBigInt,
			schema.KindFloat, schema.KindDouble, schema.KindDecimal,
			schema.KindString, schema.KindVarchar, schema.KindChar:
			return c.parseScalarText(t, v.String())
		}
		return nil, fmt.Errorf("expected %s, got number", t)

	case string:
		switch t.Kind {
		case schema.KindBinary:
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("invalid base64 binary: %w", err)
			}
			return b, nil
		case schema.KindFloat, schema.KindDouble:
			f, err := c.parseScalarText(t, v)
			if err != nil {
				return nil, err
			}
			if !isSpecialFloat(f) {
				return nil, fmt.Errorf("expected number for %s", t)
			}
			return f, nil
		}
		return c.parseScalarText(t, v)
	}
	return nil, fmt.Errorf("unexpected json token %v", tok)
}

func isSpecialFloat(v any) bool {
	switch f := v.(type) {
	case float64:
		return math.IsInf(f, 0) || math.IsNaN(f)
	case float32:
		return math.IsInf(float64(f), 0) || math.IsNaN(float64(f))
	}
	return false
}

func expectDelim(tok json.Token, want json.Delim) error {
	if d, ok := tok.(json.Delim); ok && d == want {
		return nil
	}
	return fmt.Errorf("expected %q, got %v", want, tok)
}

func fieldIndex(fields []schema.Field, name string) int {
	for i, f := range fields {
		if f.Name == name {
			return i
		}
	}
	for i, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}
