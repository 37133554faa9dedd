package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Fields is an ordered set of form fields. Order is preserved from the wire
// because Sadad checksums depend on it.
type Fields []Field

func (f Fields) Get(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

func (f Fields) Value(key string) string {
	value, _ := f.Get(key)
	return value
}

// Set replaces the first field named key or appends it.
func (f Fields) Set(key, value string) Fields {
	for i := range f {
		if f[i].Key == key {
			f[i].Value = value
			return f
		}
	}
	return append(f, Field{Key: key, Value: value})
}

func (f Fields) Without(key string) Fields {
	out := make(Fields, 0, len(f))
	for _, field := range f {
		if field.Key != key {
			out = append(out, field)
		}
	}
	return out
}

func (f Fields) Values() url.Values {
	values := make(url.Values, len(f))
	for _, field := range f {
		values.Add(field.Key, field.Value)
	}
	return values
}

// ParseOrderedForm decodes an application/x-www-form-urlencoded body without
// losing field order. A repeated key keeps its first position and last value.
func ParseOrderedForm(body string) (Fields, error) {
	var fields Fields
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("invalid form key %q: %w", rawKey, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("invalid form value for %q: %w", key, err)
		}
		fields = fields.Set(key, value)
	}
	return fields, nil
}

// ParseOrderedJSON decodes a flat JSON object in document order. Non-string
// scalars keep their literal JSON text.
func ParseOrderedJSON(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("invalid JSON payload: expected object")
	}

	var fields Fields
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("invalid JSON payload: expected key")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON value for %q: %w", key, err)
		}
		fields = fields.Set(key, scalarText(raw))
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return fields, nil
}

func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	return string(bytes.TrimSpace(raw))
}
