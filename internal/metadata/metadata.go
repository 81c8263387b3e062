// Package metadata holds immutable key metadata and the protocol that signs
// it with the key it describes.
package metadata

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNotPresent is returned by typed getters for a name with no value.
var ErrNotPresent = errors.New("metadata value not present")

// TypeError reports a value that cannot be read as the requested type.
type TypeError struct {
	Name   string
	Want   string
	Actual interface{}
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("metadata value %q is %T, not %s", e.Name, e.Actual, e.Want)
}

// Entry is a single name/value pair.
type Entry struct {
	Name  string
	Value interface{}
}

// Metadata is an immutable set of named values. Values are string, bool,
// int32, int64 or float64.
type Metadata struct {
	names  []string
	values map[string]interface{}
}

var empty = Metadata{}

// Empty returns metadata with no values.
func Empty() Metadata {
	return empty
}

// New creates metadata from entries, in order. A repeated name replaces the
// earlier value in place.
func New(entries ...Entry) (Metadata, error) {
	if len(entries) == 0 {
		return empty, nil
	}
	md := Metadata{values: make(map[string]interface{}, len(entries))}
	for _, e := range entries {
		if e.Name == "" {
			return empty, fmt.Errorf("metadata name is required")
		}
		if err := checkValue(e.Value); err != nil {
			return empty, err
		}
		if _, exists := md.values[e.Name]; !exists {
			md.names = append(md.names, e.Name)
		}
		md.values[e.Name] = e.Value
	}
	return md, nil
}

// MustNew is like New but panics on error.
func MustNew(entries ...Entry) Metadata {
	md, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return md
}

// FromMap creates metadata from a map. Names are ordered lexically.
func FromMap(m map[string]interface{}) (Metadata, error) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, Entry{Name: name, Value: m[name]})
	}
	return New(entries...)
}

func checkValue(v interface{}) error {
	switch v.(type) {
	case string, bool, int32, int64, float64:
		return nil
	}
	return fmt.Errorf("value type must be string, boolean, integer, long, or double; not %T", v)
}

// IsEmpty reports whether there are no values.
func (m Metadata) IsEmpty() bool {
	return len(m.names) == 0
}

// Len returns the number of values.
func (m Metadata) Len() int {
	return len(m.names)
}

// Names returns the value names in order.
func (m Metadata) Names() []string {
	return append([]string(nil), m.names...)
}

// Get returns the value stored under name.
func (m Metadata) Get(name string) (interface{}, bool) {
	v, ok := m.values[name]
	return v, ok
}

// ToMap returns a copy of the values as a map.
func (m Metadata) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(m.names))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Entries returns the values as ordered entries.
func (m Metadata) Entries() []Entry {
	out := make([]Entry, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, Entry{Name: name, Value: m.values[name]})
	}
	return out
}

// StringValue returns a string value.
func (m Metadata) StringValue(name string) (string, error) {
	v, ok := m.values[name]
	if !ok {
		return "", ErrNotPresent
	}
	s, ok := v.(string)
	if !ok {
		return "", &TypeError{Name: name, Want: "string", Actual: v}
	}
	return s, nil
}

// BoolValue returns a boolean value.
func (m Metadata) BoolValue(name string) (bool, error) {
	v, ok := m.values[name]
	if !ok {
		return false, ErrNotPresent
	}
	b, ok := v.(bool)
	if !ok {
		return false, &TypeError{Name: name, Want: "bool", Actual: v}
	}
	return b, nil
}

// Int32Value returns a numeric value converted to int32.
func (m Metadata) Int32Value(name string) (int32, error) {
	v, err := m.number(name, "int32")
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int32:
		return n, nil
	case int64:
		return int32(n), nil
	default:
		return int32(n.(float64)), nil
	}
}

// Int64Value returns a numeric value converted to int64.
func (m Metadata) Int64Value(name string) (int64, error) {
	v, err := m.number(name, "int64")
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return int64(n.(float64)), nil
	}
}

// Float64Value returns a numeric value converted to float64.
func (m Metadata) Float64Value(name string) (float64, error) {
	v, err := m.number(name, "float64")
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return n.(float64), nil
	}
}

func (m Metadata) number(name, want string) (interface{}, error) {
	v, ok := m.values[name]
	if !ok {
		return nil, ErrNotPresent
	}
	switch v.(type) {
	case int32, int64, float64:
		return v, nil
	}
	return nil, &TypeError{Name: name, Want: want, Actual: v}
}

// Equal reports whether both hold the same names and values, regardless of
// order. Numbers compare by value across int32, int64 and float64.
func (m Metadata) Equal(other Metadata) bool {
	if len(m.names) != len(other.names) {
		return false
	}
	for name, v := range m.values {
		ov, ok := other.values[name]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	ai, aInt := asInt64(a)
	bi, bInt := asInt64(b)
	if aInt && bInt {
		return ai == bi
	}
	af, aNum := asFloat64(a)
	bf, bNum := asFloat64(b)
	if aNum && bNum {
		return af == bf || (math.IsNaN(af) && math.IsNaN(bf))
	}
	return a == b
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
