package protocol

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Fields is a decoded JSON object with string keys. Lookups ignore key case.
type Fields map[string]any

var falseWords = regexp.MustCompile(`(?i)^\s*(false|no|not|0)\s*$`)

// Lookup returns the value under key, matching case-insensitively when there
// is no exact hit. Ties between differently-cased keys resolve in key order.
func (f Fields) Lookup(key string) (any, bool) {
	if v, ok := f[key]; ok && v != nil {
		return v, true
	}

	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, key) {
			return f[k], true
		}
	}
	return nil, false
}

// Has reports whether any casing of key is present.
func (f Fields) Has(key string) bool {
	_, ok := f.Lookup(key)
	return ok
}

// String returns the first non-blank value among keys, trimmed.
func (f Fields) String(keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := f.Lookup(key)
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s, true
		}
	}
	return "", false
}

// Int returns the first value among keys that reads as an integer.
func (f Fields) Int(keys ...string) (int, bool) {
	for _, key := range keys {
		v, _ := f.Lookup(key)
		switch n := v.(type) {
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i), true
			}
			if fl, err := n.Float64(); err == nil && !math.IsNaN(fl) && !math.IsInf(fl, 0) {
				return int(fl), true
			}
		case float64:
			return int(n), true
		case int:
			return n, true
		case int64:
			return int(n), true
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

// Bool reads key as a flag. Numbers are true when non-zero; strings are true
// unless they spell false/no/not/0; blank or absent values yield def.
func (f Fields) Bool(key string, def bool) bool {
	v, _ := f.Lookup(key)
	switch b := v.(type) {
	case bool:
		return b
	case json.Number:
		fl, err := b.Float64()
		if err != nil {
			return def
		}
		return int(fl) != 0
	case float64:
		return int(b) != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case string:
		s := strings.TrimSpace(b)
		if s == "" || s == "null" {
			return def
		}
		return !falseWords.MatchString(s)
	default:
		return def
	}
}

// Map returns the nested object under key.
func (f Fields) Map(key string) (Fields, bool) {
	v, _ := f.Lookup(key)
	return asFields(v)
}

func asFields(v any) (Fields, bool) {
	switch m := v.(type) {
	case map[string]any:
		return Fields(m), true
	case Fields:
		return m, true
	default:
		return nil, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
