package schema

import (
	"fmt"
	"strings"
)

// Column is one named, typed column of a table.
type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// TableSchema is the ordered column list of a table plus its partition keys.
// A schema is not modified after it has been loaded.
type TableSchema struct {
	Name          string   `json:"name" yaml:"name"`
	Columns       []Column `json:"columns" yaml:"columns"`
	PartitionKeys []string `json:"partition_keys,omitempty" yaml:"partition_keys,omitempty"`
}

// Len returns the number of data columns.
func (s *TableSchema) Len() int { return len(s.Columns) }

// Names returns the column names in order.
func (s *TableSchema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IsPartitioned reports whether the table has partition keys.
func (s *TableSchema) IsPartitioned() bool { return len(s.PartitionKeys) > 0 }

// HasPartitionKey reports whether name is a partition key (case-insensitive).
func (s *TableSchema) HasPartitionKey(name string) bool {
	for _, k := range s.PartitionKeys {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// Validate checks column names are present and unique.
func (s *TableSchema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", s.Name)
	}
	seen := make(map[string]bool, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column %d has no name", i+1)
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return fmt.Errorf("duplicate column %s", c.Name)
		}
		seen[key] = true
		if c.Type.Kind == KindInvalid {
			return fmt.Errorf("column %s has no type", c.Name)
		}
	}
	return nil
}

// Record is one row of typed values matching Schema. A nil entry is a null.
type Record struct {
	Schema *TableSchema
	Values []any
}

// NewRecord returns an all-null record for s.
func NewRecord(s *TableSchema) *Record {
	return &Record{Schema: s, Values: make([]any, s.Len())}
}

// Get returns the value of column i.
func (r *Record) Get(i int) any { return r.Values[i] }

// Set stores v in column i.
func (r *Record) Set(i int, v any) { r.Values[i] = v }

// Map is an ordered MAP value. Keys keep their insertion order.
type Map struct {
	Keys   []any
	Values []any
}

// Put appends a key/value pair.
func (m *Map) Put(k, v any) {
	m.Keys = append(m.Keys, k)
	m.Values = append(m.Values, v)
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.Keys) }

// Struct is a STRUCT value. Values line up with Type.Fields.
type Struct struct {
	Type   *ColumnType
	Values []any
}

// Field returns the value of the named field and whether it exists.
func (s *Struct) Field(name string) (any, bool) {
	for i, f := range s.Type.Fields {
		if f.Name == name {
			return s.Values[i], true
		}
	}
	return nil, false
}
