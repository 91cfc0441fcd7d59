package task

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrCyclicMetadata is returned when metadata refers back to itself.
var ErrCyclicMetadata = errors.New("metadata contains a reference cycle")

// Metadata is a free-form bag of data values: strings, numbers, booleans, and
// nested lists or maps of those. It never holds executable content.
type Metadata map[string]any

// reservedKeys are stripped at ingestion.
var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// SanitizeMetadata copies in into a Metadata, dropping reserved keys and
// rejecting cycles and non-data values.
func SanitizeMetadata(in map[string]any) (Metadata, error) {
	if in == nil {
		return nil, nil
	}
	visited := make(map[uintptr]bool)
	out, err := sanitizeMap(reflect.ValueOf(in), visited, "")
	if err != nil {
		return nil, err
	}
	return Metadata(out), nil
}

func sanitizeValue(v reflect.Value, visited map[uintptr]bool, path string) (any, error) {
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Invalid:
		return nil, nil
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("metadata %s: map keys must be strings", path)
		}
		return sanitizeMap(v, visited, path)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil, nil
			}
			ptr := v.Pointer()
			if visited[ptr] && v.Len() > 0 {
				return nil, fmt.Errorf("metadata %s: %w", path, ErrCyclicMetadata)
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := sanitizeValue(v.Index(i), visited, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	default:
		return nil, fmt.Errorf("metadata %s: unsupported value of kind %s", path, v.Kind())
	}
}

func sanitizeMap(v reflect.Value, visited map[uintptr]bool, path string) (map[string]any, error) {
	if v.IsNil() {
		return nil, nil
	}
	ptr := v.Pointer()
	if visited[ptr] {
		return nil, fmt.Errorf("metadata %s: %w", path, ErrCyclicMetadata)
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		if reservedKeys[key] {
			continue
		}
		child := key
		if path != "" {
			child = path + "." + key
		}
		val, err := sanitizeValue(iter.Value(), visited, child)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// Clone deep-copies the metadata. Metadata is acyclic by construction.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// GetString returns the string value for key, or "".
func (m Metadata) GetString(key string) string {
	s, _ := m[key].(string)
	return s
}
