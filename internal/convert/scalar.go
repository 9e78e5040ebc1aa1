package convert

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
)

// maxFractionDigits caps fixed-notation float output.
const maxFractionDigits = 20

func intBits(k schema.Kind) int {
	switch k {
	case schema.KindTinyInt:
		return 8
	case schema.KindSmallInt:
		return 16
	case schema.KindInt:
		return 32
	default:
		return 64
	}
}

func (c *Converter) parseScalar(t schema.ColumnType, raw []byte) (any, error) {
	switch t.Kind {
	case schema.KindString, schema.KindVarchar, schema.KindChar:
		s, err := c.decodeText(raw)
		if err != nil {
			return nil, err
		}
		return checkLength(t, s)
	case schema.KindBinary:
		return append([]byte{}, raw...), nil
	default:
		return c.parseScalarText(t, string(raw))
	}
}

// parseScalarText parses an already decoded scalar value.
func (c *Converter) parseScalarText(t schema.ColumnType, s string) (any, error) {
	switch t.Kind {
	case schema.KindTinyInt, schema.KindSmallInt, schema.KindInt, schema.KindBigInt:
		n, err := strconv.ParseInt(s, 10, intBits(t.Kind))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", t.Kind, err)
		}
		return n, nil

	case schema.KindFloat:
		f, err := parseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		return float32(f), nil

	case schema.KindDouble:
		return parseFloat(s, 64)

	case schema.KindBoolean:
		switch {
		case strings.EqualFold(s, "true"), s == "1":
			return true, nil
		case strings.EqualFold(s, "false"), s == "0":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean")

	case schema.KindString, schema.KindVarchar, schema.KindChar:
		return checkLength(t, s)

	case schema.KindBinary:
		return []byte(s), nil

	case schema.KindDate:
		tm, err := time.ParseInLocation(dateLayout, s, c.loc)
		if err != nil {
			return nil, fmt.Errorf("invalid date, expected yyyy-MM-dd")
		}
		return tm, nil

	case schema.KindDatetime:
		tm, err := time.ParseInLocation(c.datetimeLayout, s, c.loc)
		if err == nil {
			return tm, nil
		}
		if tm, derr := time.ParseInLocation(dateLayout, s, c.loc); derr == nil {
			return tm, nil
		}
		return nil, fmt.Errorf("invalid datetime: %w", err)

	case schema.KindTimestamp:
		tm, err := time.ParseInLocation(timestampParseLayout, s, c.loc)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
		return tm, nil

	case schema.KindDecimal:
		d, err := schema.ParseDecimal(s)
		if err != nil {
			return nil, err
		}
		if err := d.CheckPrecision(t.Precision, t.Scale); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

func parseFloat(s string, bits int) (float64, error) {
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	case "NaN":
		return math.NaN(), nil
	}
	f, err := strconv.ParseFloat(s, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid floating point value")
	}
	return f, nil
}

func checkLength(t schema.ColumnType, s string) (any, error) {
	if (t.Kind == schema.KindVarchar || t.Kind == schema.KindChar) && t.Length > 0 {
		if n := utf8.RuneCountInString(s); n > t.Length {
			return nil, fmt.Errorf("length %d exceeds %s", n, t)
		}
	}
	return s, nil
}

func (c *Converter) formatScalar(t schema.ColumnType, v any) ([]byte, error) {
	switch t.Kind {
	case schema.KindString, schema.KindVarchar, schema.KindChar:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return c.encodeText(s)
	case schema.KindBinary:
		switch b := v.(type) {
		case []byte:
			return append([]byte{}, b...), nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("expected []byte, got %T", v)
	default:
		s, err := c.formatScalarText(t, v)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
}

// formatScalarText renders a scalar to text without charset encoding.
func (c *Converter) formatScalarText(t schema.ColumnType, v any) (string, error) {
	switch t.Kind {
	case schema.KindTinyInt, schema.KindSmallInt, schema.KindInt, schema.KindBigInt:
		n, err := asInt64(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil

	case schema.KindFloat:
		switch f := v.(type) {
		case float32:
			return c.formatFloat(float64(f), 32), nil
		case float64:
			return c.formatFloat(f, 32), nil
		}
		return "", fmt.Errorf("expected float32, got %T", v)

	case schema.KindDouble:
		switch f := v.(type) {
		case float64:
			return c.formatFloat(f, 64), nil
		case float32:
			return c.formatFloat(float64(f), 64), nil
		}
		return "", fmt.Errorf("expected float64, got %T", v)

	case schema.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("expected bool, got %T", v)
		}
		return strconv.FormatBool(b), nil

	case schema.KindString, schema.KindVarchar, schema.KindChar:
		return asString(v)

	case schema.KindBinary:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return "", fmt.Errorf("expected []byte, got %T", v)

	case schema.KindDate:
		tm, ok := v.(time.Time)
		if !ok {
			return "", fmt.Errorf("expected time.Time, got %T", v)
		}
		// a date is a calendar day, not an instant
		return tm.Format(dateLayout), nil

	case schema.KindDatetime:
		tm, ok := v.(time.Time)
		if !ok {
			return "", fmt.Errorf("expected time.Time, got %T", v)
		}
		return tm.In(c.loc).Format(c.datetimeLayout), nil

	case schema.KindTimestamp:
		tm, ok := v.(time.Time)
		if !ok {
			return "", fmt.Errorf("expected time.Time, got %T", v)
		}
		return tm.In(c.loc).Format(timestampLayout), nil

	case schema.KindDecimal:
		switch d := v.(type) {
		case schema.Decimal:
			return d.String(), nil
		case *schema.Decimal:
			return d.String(), nil
		case string:
			parsed, err := schema.ParseDecimal(d)
			if err != nil {
				return "", err
			}
			return parsed.String(), nil
		}
		return "", fmt.Errorf("expected schema.Decimal, got %T", v)
	}
	return "", fmt.Errorf("unsupported type %s", t)
}

// formatFloat renders f in fixed notation with at most maxFractionDigits
// fractional digits, or in exponential notation when configured.
func (c *Converter) formatFloat(f float64, bits int) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	}
	if c.exponential {
		return strconv.FormatFloat(f, 'E', -1, bits)
	}
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s)-dot-1 > maxFractionDigits {
		s = strconv.FormatFloat(f, 'f', maxFractionDigits, bits)
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}
