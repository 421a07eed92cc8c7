// Package xjson encodes and decodes values beyond plain JSON using a
// tagged-value convention. Dates travel as {"__type":"datetime","value":...}
// and sets as {"__type":"set","value":[...]}; everything else is ordinary
// JSON. Round-tripping a supported value through Marshal and Unmarshal
// yields a value equal to the original.
package xjson

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tag names used in the wire representation.
const (
	tagKey      = "__type"
	tagValueKey = "value"

	tagDatetime = "datetime"
	tagSet      = "set"
)

// UnsupportedTypeError is returned when a value outside the extended type
// domain (null, bool, number, string, array, object, time.Time, *Set) is
// passed to Marshal.
type UnsupportedTypeError struct {
	Value any
}

// Error returns the error message.
func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("xjson: unsupported value type %T", e.Value)
}

// Marshal encodes v to JSON, tagging extended values.
func Marshal(v any) ([]byte, error) {
	tagged, err := Tag(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged)
}

// Encode is Marshal returning a string.
func Encode(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal decodes JSON produced by Marshal, reconstructing tagged values.
func Unmarshal(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return Untag(raw), nil
}

// Decode is Unmarshal taking a string.
func Decode(s string) (any, error) {
	return Unmarshal([]byte(s))
}

// Tag converts v into a plain-JSON-marshalable value, replacing extended
// types with their tagged map form. The input is not modified; maps and
// slices are copied.
func Tag(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val, nil

	case time.Time:
		return map[string]any{
			tagKey:      tagDatetime,
			tagValueKey: val.Format(time.RFC3339Nano),
		}, nil

	case *Set:
		elems := make([]any, 0, val.Len())
		for _, e := range val.Values() {
			tagged, err := Tag(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, tagged)
		}
		return map[string]any{
			tagKey:      tagSet,
			tagValueKey: elems,
		}, nil

	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			tagged, err := Tag(e)
			if err != nil {
				return nil, err
			}
			out[i] = tagged
		}
		return out, nil

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			tagged, err := Tag(e)
			if err != nil {
				return nil, err
			}
			out[k] = tagged
		}
		return out, nil

	default:
		return nil, &UnsupportedTypeError{Value: v}
	}
}

// Untag walks a decoded plain-JSON value and reconstructs tagged extended
// values. Maps that look tagged but fail to parse are left untouched.
func Untag(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Untag(e)
		}
		return out

	case map[string]any:
		if tag, ok := val[tagKey].(string); ok && len(val) == 2 {
			inner, hasValue := val[tagValueKey]
			if hasValue {
				switch tag {
				case tagDatetime:
					if s, ok := inner.(string); ok {
						if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
							return t
						}
					}
				case tagSet:
					if arr, ok := inner.([]any); ok {
						s := NewSet()
						for _, e := range arr {
							s.Add(Untag(e))
						}
						return s
					}
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = Untag(e)
		}
		return out

	default:
		return val
	}
}

// Equal reports value equality over the extended domain. Sets compare
// unordered; times compare by instant; numbers compare by float value so a
// decoded float64 equals the int it was encoded from.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)

	case *Set:
		bv, ok := b.(*Set)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for _, e := range av.Values() {
			if !bv.Has(e) {
				return false
			}
		}
		return true

	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true

	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			be, ok := bv[k]
			if !ok || !Equal(e, be) {
				return false
			}
		}
		return true

	case nil:
		return b == nil
	}

	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}

	return a == b
}

// toFloat normalizes numeric types for comparison.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
