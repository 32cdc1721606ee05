package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// JSONValue holds schemaless content as raw JSON. It round-trips through a
// JSONB column unchanged.
type JSONValue json.RawMessage

// NewJSONValue marshals v into a JSONValue.
func NewJSONValue(v interface{}) (JSONValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	return JSONValue(data), nil
}

func (j JSONValue) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONValue) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// Value implements driver.Valuer.
func (j JSONValue) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONValue) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[0:0], v...)
		return nil
	case string:
		*j = JSONValue(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONValue", src)
	}
}

// Text extracts a plain-text rendition of the content for embedding and
// compression. JSON strings are unquoted; objects keep their canonical form.
func (j JSONValue) Text() string {
	var s string
	if err := json.Unmarshal(j, &s); err == nil {
		return s
	}
	canon, err := canonicalize(j)
	if err != nil {
		return string(j)
	}
	return canon
}

// Canonical returns a canonical serialization of the value: object keys
// sorted, no insignificant whitespace. Equal values always canonicalize to
// the same bytes, which makes the content hash stable.
func (j JSONValue) Canonical() (string, error) {
	return canonicalize(j)
}

func canonicalize(raw []byte) (string, error) {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("content is not valid JSON: %w", err)
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(val.String())
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(b)
	}
	return nil
}

// ContentHash returns the SHA-256 hex digest of the canonical serialization.
// (user_context, content_hash) is unique among non-deleted memories.
func ContentHash(content JSONValue) (string, error) {
	canon, err := content.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// JSONMap is a free-form metadata object backed by a JSONB column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// StringArray is a text[] column, used for tags.
type StringArray []string

// Value implements driver.Valuer.
func (a StringArray) Value() (driver.Value, error) {
	return pq.StringArray(a).Value()
}

// Scan implements sql.Scanner.
func (a *StringArray) Scan(src interface{}) error {
	return (*pq.StringArray)(a).Scan(src)
}

// Contains reports whether the array holds s.
func (a StringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// Vector is a pgvector embedding column. The wire format is the pgvector
// text representation: "[0.1,0.2,...]".
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return v.String(), nil
}

// String renders the pgvector text format.
func (v Vector) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(src interface{}) error {
	var s string
	switch val := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		s = string(val)
	case string:
		s = val
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*v = nil
		return nil
	}
	s = strings.Trim(s, "[]")
	if s == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(Vector, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	*v = out
	return nil
}
