// Package jmap defines the request/response envelope and argument
// helpers shared by the dispatcher and every domain handler.
package jmap

import "fmt"

// Args is a loosely-typed JSON object, the shape every method call's
// arguments and every method response's payload take on the wire.
type Args map[string]any

// Has reports whether key is present in the map, regardless of value.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns the string value of key, or ok=false if absent or not a string.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

// StringOr returns the string value of key, or fallback if absent or not a string.
func (a Args) StringOr(key, fallback string) string {
	if v, ok := a.String(key); ok {
		return v
	}
	return fallback
}

// Bool returns the bool value of key, or ok=false if absent or not a bool.
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key].(bool)
	return v, ok
}

// BoolOr returns the bool value of key, or fallback if absent or not a bool.
func (a Args) BoolOr(key string, fallback bool) bool {
	if v, ok := a.Bool(key); ok {
		return v
	}
	return fallback
}

// Float returns the numeric value of key as float64 (JSON numbers decode
// to float64), or ok=false if absent or not a number.
func (a Args) Float(key string) (float64, bool) {
	v, ok := a[key].(float64)
	return v, ok
}

// Int returns the numeric value of key truncated to int, or ok=false if
// absent or not a number.
func (a Args) Int(key string) (int, bool) {
	v, ok := a.Float(key)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// IntOr returns the numeric value of key truncated to int, or fallback.
func (a Args) IntOr(key string, fallback int) int {
	if v, ok := a.Int(key); ok {
		return v
	}
	return fallback
}

// StringSlice returns the value of key as a []string, or ok=false if
// absent, not an array, or containing a non-string element.
func (a Args) StringSlice(key string) ([]string, bool) {
	raw, ok := a[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// List returns the value of key as a []any, or ok=false if absent or not an array.
func (a Args) List(key string) ([]any, bool) {
	v, ok := a[key].([]any)
	return v, ok
}

// Object returns the value of key as an Args map, or ok=false if absent
// or not an object.
func (a Args) Object(key string) (Args, bool) {
	switch v := a[key].(type) {
	case Args:
		return v, true
	case map[string]any:
		return Args(v), true
	default:
		return nil, false
	}
}

// MapOfString returns the value of key as a map[string]string built from
// a flat object of string values, or ok=false if absent, not an object,
// or containing a non-string value.
func (a Args) MapOfString(key string) (map[string]string, bool) {
	obj, ok := a.Object(key)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[k] = s
	}
	return out, true
}

// GoString implements fmt.GoStringer for debugging/log output.
func (a Args) GoString() string {
	return fmt.Sprintf("jmap.Args(%d keys)", len(a))
}
