// Package partition parses partition specs and resolves them against the
// partitions a table actually has.
package partition

import (
	"fmt"
	"net/url"
	"strings"
)

// KV is one partition column and its literal value.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Spec is an ordered list of partition column values. A spec naming fewer
// columns than the table has is a filter over several partitions.
type Spec []KV

// ParseSpec parses "k1=v1,k2='v2'". Surrounding single or double quotes are
// stripped from values; inside them a doubled quote stands for one quote, as
// in 'it''s'. An empty string yields an empty spec.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var out Spec
	for _, part := range splitOutsideQuotes(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in partition spec %q", s)
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("invalid partition element %q: expected key=value", part)
		}
		key := strings.TrimSpace(part[:eq])
		val, err := unquote(strings.TrimSpace(part[eq+1:]))
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", key, err)
		}
		if out.Has(key) {
			return nil, fmt.Errorf("duplicate partition key %q", key)
		}
		out = append(out, KV{Key: key, Value: val})
	}
	return out, nil
}

// ParsePath parses the directory form produced by Path, "k1=v1/k2=v2".
func ParsePath(p string) (Spec, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	var out Spec
	for _, seg := range strings.Split(p, "/") {
		key, val, ok := strings.Cut(seg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid partition path segment %q", seg)
		}
		k, err := url.PathUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("partition path %q: %w", seg, err)
		}
		v, err := url.PathUnescape(val)
		if err != nil {
			return nil, fmt.Errorf("partition path %q: %w", seg, err)
		}
		out = append(out, KV{Key: k, Value: v})
	}
	return out, nil
}

// String renders the spec as k1='v1',k2='v2', which ParseSpec accepts.
// Quotes inside a value are doubled.
func (s Spec) String() string {
	parts := make([]string, len(s))
	for i, kv := range s {
		parts[i] = kv.Key + "='" + strings.ReplaceAll(kv.Value, "'", "''") + "'"
	}
	return strings.Join(parts, ",")
}

// Path renders the spec as a storage path, k1=v1/k2=v2.
func (s Spec) Path() string {
	parts := make([]string, len(s))
	for i, kv := range s {
		parts[i] = url.PathEscape(kv.Key) + "=" + url.PathEscape(kv.Value)
	}
	return strings.Join(parts, "/")
}

// FileName renders the spec as a single path element, k1=v1_k2=v2.
func (s Spec) FileName() string {
	parts := make([]string, len(s))
	for i, kv := range s {
		parts[i] = url.PathEscape(kv.Key) + "=" + url.PathEscape(kv.Value)
	}
	return strings.Join(parts, "_")
}

// Get returns the value for key, matched case-insensitively.
func (s Spec) Get(key string) (string, bool) {
	for _, kv := range s {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value, true
		}
	}
	return "", false
}

// Has reports whether the spec names key.
func (s Spec) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Matches reports whether every key in filter has the same value in s.
func (s Spec) Matches(filter Spec) bool {
	for _, kv := range filter {
		v, ok := s.Get(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	q := v[0]
	if q != '\'' && q != '"' {
		return v, nil
	}
	if len(v) < 2 || v[len(v)-1] != q {
		return "", fmt.Errorf("unterminated quote in %s", v)
	}
	qs := string(q)
	return strings.ReplaceAll(v[1:len(v)-1], qs+qs, qs), nil
}

func splitOutsideQuotes(s string, sep byte) []string {
	var (
		out   []string
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				if i+1 < len(s) && s[i+1] == quote {
					i++ // doubled quote
					continue
				}
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == sep:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
