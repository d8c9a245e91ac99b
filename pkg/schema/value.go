package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the declared type of a section field. Codecs that cannot carry types
// (XML) use it to recover the original value.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindJSON
)

var kindNames = [...]string{"string", "int", "float", "bool", "time", "json"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Normalize converts a value to the small set of types records hold:
// string, int64, float64, bool, nil, map[string]any and []any.
// Timestamps become RFC 3339 strings in UTC.
func Normalize(val any) any {
	switch v := val.(type) {
	case nil, string, bool, int64, float64:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(time.RFC3339Nano)
	case Record:
		return v.Map()
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	default:
		return v
	}
}

// AsInt returns val as an int64 when it holds an integral number or a numeric string.
func AsInt(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Coerce converts val to the representation of kind. Values that cannot be
// converted are returned unchanged.
func Coerce(kind Kind, val any) any {
	val = Normalize(val)
	if val == nil {
		return nil
	}
	switch kind {
	case KindInt:
		switch v := val.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return nil
			}
			if i, ok := AsInt(v); ok {
				return i
			}
		case float64:
			if i, ok := AsInt(v); ok {
				return i
			}
		case bool:
			if v {
				return int64(1)
			}
			return int64(0)
		}
	case KindFloat:
		switch v := val.(type) {
		case int64:
			return float64(v)
		case string:
			if strings.TrimSpace(v) == "" {
				return nil
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	case KindBool:
		switch v := val.(type) {
		case int64:
			return v != 0
		case string:
			if strings.TrimSpace(v) == "" {
				return nil
			}
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b
			}
		}
	case KindString, KindTime:
		switch v := val.(type) {
		case int64:
			return strconv.FormatInt(v, 10)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return val
}

func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
