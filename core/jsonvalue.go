package core

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// JSONValue is an arbitrary JSON value: null, bool, float64, string,
// []JSONValue or map[string]JSONValue. Free-form columns (Persona.Extras,
// Question.Metadata, Run.ProviderSettings, Response.Meta, Export.Config)
// use it so interior shape isn't fixed at compile time, while the entities
// that own these fields remain fixed records.
type JSONValue struct {
	v interface{}
}

// NewJSONValue wraps a decoded Go value (as produced by encoding/json) into
// a JSONValue. It does not re-validate the shape.
func NewJSONValue(v interface{}) JSONValue { return JSONValue{v: wrap(v)} }

// Raw returns the underlying value.
func (j JSONValue) Raw() interface{} { return j.v }

// IsNull reports whether the value is JSON null (or the zero JSONValue).
func (j JSONValue) IsNull() bool { return j.v == nil }

// String returns the string value, or ok=false if the value isn't a string.
func (j JSONValue) String() (string, bool) {
	s, ok := j.v.(string)
	return s, ok
}

// Object returns the value as a map, or ok=false if it isn't an object.
func (j JSONValue) Object() (map[string]JSONValue, bool) {
	m, ok := j.v.(map[string]JSONValue)
	return m, ok
}

// Array returns the value as a slice, or ok=false if it isn't an array.
func (j JSONValue) Array() ([]JSONValue, bool) {
	a, ok := j.v.([]JSONValue)
	return a, ok
}

// Bool returns the boolean value, or ok=false if the value isn't a bool.
func (j JSONValue) Bool() (bool, bool) {
	b, ok := j.v.(bool)
	return b, ok
}

// Float64 returns the numeric value, or ok=false if the value isn't a
// number. Values decoded via UnmarshalJSON arrive as json.Number (decoder
// uses UseNumber for precision); values built with NewJSONValue may already
// be plain float64 or int.
func (j JSONValue) Float64() (float64, bool) {
	switch n := j.v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (j JSONValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(unwrap(j.v))
}

func (j *JSONValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	j.v = wrap(raw)
	return nil
}

// wrap converts decoder output (map[string]interface{}, []interface{}, ...)
// into nested JSONValue so Object()/array access stay type-safe.
func wrap(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]JSONValue, len(t))
		for k, val := range t {
			out[k] = JSONValue{v: wrap(val)}
		}
		return out
	case []interface{}:
		out := make([]JSONValue, len(t))
		for i, val := range t {
			out[i] = JSONValue{v: wrap(val)}
		}
		return out
	default:
		return v
	}
}

func unwrap(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]JSONValue:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = unwrap(val.v)
		}
		return out
	case []JSONValue:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = unwrap(val.v)
		}
		return out
	default:
		return v
	}
}

// Value implements driver.Valuer so a JSONValue can be written directly into
// a jsonb column by database/sql (and sqlx, which delegates to it).
func (j JSONValue) Value() (driver.Value, error) {
	if j.v == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("jsonvalue: marshaling for store: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner, decoding a jsonb column back into a
// JSONValue. A NULL column scans to the zero JSONValue.
func (j *JSONValue) Scan(src interface{}) error {
	if src == nil {
		*j = JSONValue{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("jsonvalue: unsupported scan source type %T", src)
	}
	if len(raw) == 0 {
		*j = JSONValue{}
		return nil
	}
	return j.UnmarshalJSON(raw)
}

// CanonicalJSON serializes v (typically a map[string]JSONValue or the result
// of unmarshalling arbitrary JSON) with object keys sorted lexicographically
// at every nesting level, independent of Go map iteration order. It is the
// building block for Fingerprint's provider_settings normalization (spec
// §4.1, property P1).
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case JSONValue:
		return writeCanonical(buf, t.v)
	case map[string]JSONValue:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []JSONValue:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonical json: %w", err)
		}
		buf.Write(b)
		return nil
	}
}
