// Package schema describes table schemas and the typed records that flow
// between the text converter and the remote table store.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Kind identifies a column type family.
type Kind int

const (
	KindInvalid Kind = iota
	KindTinyInt
	KindSmallInt
	KindInt
	KindBigInt
	KindFloat
	KindDouble
	KindBoolean
	KindString
	KindVarchar
	KindChar
	KindBinary
	KindDate
	KindDatetime
	KindTimestamp
	KindDecimal
	KindArray
	KindMap
	KindStruct
)

var kindNames = map[Kind]string{
	KindTinyInt:   "TINYINT",
	KindSmallInt:  "SMALLINT",
	KindInt:       "INT",
	KindBigInt:    "BIGINT",
	KindFloat:     "FLOAT",
	KindDouble:    "DOUBLE",
	KindBoolean:   "BOOLEAN",
	KindString:    "STRING",
	KindVarchar:   "VARCHAR",
	KindChar:      "CHAR",
	KindBinary:    "BINARY",
	KindDate:      "DATE",
	KindDatetime:  "DATETIME",
	KindTimestamp: "TIMESTAMP",
	KindDecimal:   "DECIMAL",
	KindArray:     "ARRAY",
	KindMap:       "MAP",
	KindStruct:    "STRUCT",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "INVALID"
}

// IsInteger reports whether k is one of the integer families.
func (k Kind) IsInteger() bool {
	return k == KindTinyInt || k == KindSmallInt || k == KindInt || k == KindBigInt
}

// IsComposite reports whether k nests other column types.
func (k Kind) IsComposite() bool {
	return k == KindArray || k == KindMap || k == KindStruct
}

// ColumnType is a parsed column type. Composite kinds carry their nested types.
type ColumnType struct {
	Kind Kind

	// VARCHAR(n) / CHAR(n)
	Length int

	// DECIMAL(p,s); zero Precision means unconstrained
	Precision int
	Scale     int

	Elem   *ColumnType // ARRAY
	Key    *ColumnType // MAP
	Value  *ColumnType // MAP
	Fields []Field     // STRUCT
}

// Field is one named member of a STRUCT type.
type Field struct {
	Name string
	Type ColumnType
}

// Scalar returns a ColumnType of a parameterless kind.
func Scalar(k Kind) ColumnType { return ColumnType{Kind: k} }

// ArrayOf returns ARRAY<elem>.
func ArrayOf(elem ColumnType) ColumnType { return ColumnType{Kind: KindArray, Elem: &elem} }

// MapOf returns MAP<key,value>.
func MapOf(key, value ColumnType) ColumnType {
	return ColumnType{Kind: KindMap, Key: &key, Value: &value}
}

// StructOf returns STRUCT<fields...>.
func StructOf(fields ...Field) ColumnType { return ColumnType{Kind: KindStruct, Fields: fields} }

// String renders the type in the same grammar ParseType accepts.
func (t ColumnType) String() string {
	switch t.Kind {
	case KindVarchar, KindChar:
		return fmt.Sprintf("%s(%d)", t.Kind, t.Length)
	case KindDecimal:
		if t.Precision == 0 {
			return "DECIMAL"
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
	case KindArray:
		return "ARRAY<" + t.Elem.String() + ">"
	case KindMap:
		return "MAP<" + t.Key.String() + "," + t.Value.String() + ">"
	case KindStruct:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.Name + ":" + f.Type.String()
		}
		return "STRUCT<" + strings.Join(parts, ",") + ">"
	default:
		return t.Kind.String()
	}
}

// MarshalText implements encoding.TextMarshaler so types serialize as their
// type string in JSON and YAML documents.
func (t ColumnType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ColumnType) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType parses a type string such as "BIGINT", "DECIMAL(10,2)" or
// "MAP<STRING,ARRAY<INT>>". Keywords are case-insensitive.
func ParseType(s string) (ColumnType, error) {
	p := &typeParser{src: s}
	t, err := p.parse()
	if err != nil {
		return ColumnType{}, fmt.Errorf("parse type %q: %w", s, err)
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return ColumnType{}, fmt.Errorf("parse type %q: unexpected %q at %d", s, p.src[p.pos:], p.pos)
	}
	return t, nil
}

// MustParseType is ParseType for static type strings.
func MustParseType(s string) ColumnType {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := rune(p.src[p.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *typeParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("expected %q at %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *typeParser) peek(c byte) bool {
	p.skipSpace()
	return p.pos < len(p.src) && p.src[p.pos] == c
}

func (p *typeParser) number() (int, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at %d", p.pos)
	}
	return strconv.Atoi(p.src[start:p.pos])
}

func (p *typeParser) parse() (ColumnType, error) {
	name := strings.ToUpper(p.ident())
	switch name {
	case "TINYINT":
		return Scalar(KindTinyInt), nil
	case "SMALLINT":
		return Scalar(KindSmallInt), nil
	case "INT", "INTEGER":
		return Scalar(KindInt), nil
	case "BIGINT":
		return Scalar(KindBigInt), nil
	case "FLOAT":
		return Scalar(KindFloat), nil
	case "DOUBLE":
		return Scalar(KindDouble), nil
	case "BOOLEAN":
		return Scalar(KindBoolean), nil
	case "STRING":
		return Scalar(KindString), nil
	case "BINARY":
		return Scalar(KindBinary), nil
	case "DATE":
		return Scalar(KindDate), nil
	case "DATETIME":
		return Scalar(KindDatetime), nil
	case "TIMESTAMP":
		return Scalar(KindTimestamp), nil
	case "VARCHAR", "CHAR":
		kind := KindVarchar
		if name == "CHAR" {
			kind = KindChar
		}
		if err := p.expect('('); err != nil {
			return ColumnType{}, err
		}
		n, err := p.number()
		if err != nil {
			return ColumnType{}, err
		}
		if err := p.expect(')'); err != nil {
			return ColumnType{}, err
		}
		return ColumnType{Kind: kind, Length: n}, nil
	case "DECIMAL":
		t := ColumnType{Kind: KindDecimal}
		if !p.peek('(') {
			return t, nil
		}
		p.pos++
		var err error
		if t.Precision, err = p.number(); err != nil {
			return ColumnType{}, err
		}
		if p.peek(',') {
			p.pos++
			if t.Scale, err = p.number(); err != nil {
				return ColumnType{}, err
			}
		}
		if err := p.expect(')'); err != nil {
			return ColumnType{}, err
		}
		if t.Scale > t.Precision {
			return ColumnType{}, fmt.Errorf("decimal scale %d exceeds precision %d", t.Scale, t.Precision)
		}
		return t, nil
	case "ARRAY":
		if err := p.expect('<'); err != nil {
			return ColumnType{}, err
		}
		elem, err := p.parse()
		if err != nil {
			return ColumnType{}, err
		}
		if err := p.expect('>'); err != nil {
			return ColumnType{}, err
		}
		return ArrayOf(elem), nil
	case "MAP":
		if err := p.expect('<'); err != nil {
			return ColumnType{}, err
		}
		key, err := p.parse()
		if err != nil {
			return ColumnType{}, err
		}
		if key.Kind.IsComposite() {
			return ColumnType{}, fmt.Errorf("map key must be a scalar type, got %s", key)
		}
		if err := p.expect(','); err != nil {
			return ColumnType{}, err
		}
		val, err := p.parse()
		if err != nil {
			return ColumnType{}, err
		}
		if err := p.expect('>'); err != nil {
			return ColumnType{}, err
		}
		return MapOf(key, val), nil
	case "STRUCT":
		if err := p.expect('<'); err != nil {
			return ColumnType{}, err
		}
		var fields []Field
		for {
			fname := p.ident()
			if fname == "" {
				return ColumnType{}, fmt.Errorf("expected field name at %d", p.pos)
			}
			if err := p.expect(':'); err != nil {
				return ColumnType{}, err
			}
			ft, err := p.parse()
			if err != nil {
				return ColumnType{}, err
			}
			fields = append(fields, Field{Name: fname, Type: ft})
			if p.peek(',') {
				p.pos++
				continue
			}
			break
		}
		if err := p.expect('>'); err != nil {
			return ColumnType{}, err
		}
		return StructOf(fields...), nil
	case "":
		return ColumnType{}, fmt.Errorf("expected type name at %d", p.pos)
	default:
		return ColumnType{}, fmt.Errorf("unknown type %s", name)
	}
}
