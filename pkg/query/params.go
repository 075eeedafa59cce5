// Package query implements the ordered parameter mapping sent with Airtable
// requests, and its serialization to URL queries and JSON bodies.
package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Well-known Airtable parameter names.
const (
	KeyOffset          = "offset"
	KeyPageSize        = "pageSize"
	KeyMaxRecords      = "maxRecords"
	KeyFilterByFormula = "filterByFormula"
	KeyView            = "view"
	KeyFields          = "fields[]"
)

// ErrUnsupportedValue is returned when a value cannot be placed in a URL query.
var ErrUnsupportedValue = errors.New("unsupported query parameter value")

// Params is an ordered mapping from parameter name to value.
// Keys are server-defined and passed through verbatim.
// The zero value is ready to use.
type Params struct {
	keys   []string
	values map[string]any
}

// New returns an empty Params.
func New() *Params {
	return &Params{values: make(map[string]any)}
}

// Set assigns key. An existing key keeps its position.
func (p *Params) Set(key string, value any) *Params {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// Get returns the value stored under key.
func (p *Params) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether key is set.
func (p *Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Del removes key.
func (p *Params) Del(key string) {
	if p == nil {
		return
	}
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Len returns the number of keys.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Clone returns a copy that can be modified without affecting p.
// Slice values are copied; other values are shared.
func (p *Params) Clone() *Params {
	c := New()
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		v := p.values[k]
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		c.Set(k, v)
	}
	return c
}

// Values converts p to url.Values. Lists become repeated values in order.
func (p *Params) Values() (url.Values, error) {
	out := url.Values{}
	if p == nil {
		return out, nil
	}
	for _, k := range p.keys {
		vals, err := formatValue(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = append(out[k], vals...)
	}
	return out, nil
}

// Encode renders p as a URL query string, keeping key order.
// url.Values.Encode sorts keys, so it is not used here.
func (p *Params) Encode() (string, error) {
	if p == nil {
		return "", nil
	}
	var b strings.Builder
	for _, k := range p.keys {
		vals, err := formatValue(p.values[k])
		if err != nil {
			return "", fmt.Errorf("parameter %q: %w", k, err)
		}
		ek := url.QueryEscape(k)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(ek)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String(), nil
}

// MarshalJSON renders p as a JSON object with keys in insertion order.
// Any JSON-marshalable value is accepted, which mutation bodies rely on.
func (p *Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if p != nil {
		for i, k := range p.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(p.values[k])
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", k, err)
			}
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Parse reads a raw URL query back into Params. A key seen once yields a
// string; a repeated key yields a []string. Order of first appearance is kept.
func Parse(raw string) (*Params, error) {
	p := New()
	multi := make(map[string][]string)
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("parse key %q: %w", k, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("parse value for %q: %w", key, err)
		}
		multi[key] = append(multi[key], val)
		p.Set(key, nil)
	}
	for _, k := range p.keys {
		if vals := multi[k]; len(vals) == 1 {
			p.values[k] = vals[0]
		} else {
			p.values[k] = vals
		}
	}
	return p, nil
}

// ParseJSON reads a JSON object into Params, keeping key order.
// Nested values are decoded as generic JSON with numbers preserved.
func ParseJSON(data []byte) (*Params, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read object start: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	p := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		p.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read object end: %w", err)
	}
	return p, nil
}

func formatValue(v any) ([]string, error) {
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return append([]string(nil), x...), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if _, nested := item.([]any); nested {
				return nil, fmt.Errorf("%w: nested list", ErrUnsupportedValue)
			}
			vals, err := formatValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, vals...)
		}
		return out, nil
	case bool:
		return []string{strconv.FormatBool(x)}, nil
	case int:
		return []string{strconv.Itoa(x)}, nil
	case int8:
		return []string{strconv.FormatInt(int64(x), 10)}, nil
	case int16:
		return []string{strconv.FormatInt(int64(x), 10)}, nil
	case int32:
		return []string{strconv.FormatInt(int64(x), 10)}, nil
	case int64:
		return []string{strconv.FormatInt(x, 10)}, nil
	case uint:
		return []string{strconv.FormatUint(uint64(x), 10)}, nil
	case uint8:
		return []string{strconv.FormatUint(uint64(x), 10)}, nil
	case uint16:
		return []string{strconv.FormatUint(uint64(x), 10)}, nil
	case uint32:
		return []string{strconv.FormatUint(uint64(x), 10)}, nil
	case uint64:
		return []string{strconv.FormatUint(x, 10)}, nil
	case float32:
		return []string{strconv.FormatFloat(float64(x), 'f', -1, 32)}, nil
	case float64:
		return []string{strconv.FormatFloat(x, 'f', -1, 64)}, nil
	case json.Number:
		return []string{x.String()}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}
