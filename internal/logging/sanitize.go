package logging

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

const (
	// CircularMarker replaces a value that refers back to one of its ancestors.
	CircularMarker = "[Circular]"
	maxDepth       = 64
)

// Sanitize converts an arbitrary value into a fresh tree that encoding/json can
// always marshal: nil, bool, int64, uint64, finite float64, string, []byte,
// json.RawMessage, []any and map[string]any. The result shares no memory with v.
// Reference cycles are cut with CircularMarker.
func Sanitize(v any) any {
	s := &sanitizer{visiting: make(map[visit]struct{})}
	return s.value(reflect.ValueOf(v), 0)
}

type visit struct {
	ptr uintptr
	len int
	typ reflect.Type
}

type sanitizer struct {
	visiting map[visit]struct{}
}

var (
	timeType          = reflect.TypeOf(time.Time{})
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func (s *sanitizer) value(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > maxDepth {
		return v.Type().String()
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return s.value(v.Elem(), depth)
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
	}

	if special, ok := s.special(v); ok {
		return special
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return f
	case reflect.String:
		return v.String()
	case reflect.Ptr:
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if !s.enter(key) {
			return CircularMarker
		}
		defer s.leave(key)
		return s.value(v.Elem(), depth+1)
	case reflect.Map:
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if !s.enter(key) {
			return CircularMarker
		}
		defer s.leave(key)
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = s.value(iter.Value(), depth+1)
		}
		return out
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), v.Bytes()...)
		}
		key := visit{ptr: v.Pointer(), len: v.Len(), typ: v.Type()}
		if !s.enter(key) {
			return CircularMarker
		}
		defer s.leave(key)
		return s.list(v, depth)
	case reflect.Array:
		return s.list(v, depth)
	case reflect.Struct:
		return s.structure(v, depth)
	default:
		return describe(v)
	}
}

func (s *sanitizer) enter(key visit) bool {
	if _, ok := s.visiting[key]; ok {
		return false
	}
	s.visiting[key] = struct{}{}
	return true
}

func (s *sanitizer) leave(key visit) {
	delete(s.visiting, key)
}

// special handles values whose own methods decide their representation.
// Methods that panic or fail leave the value to the structural walk.
func (s *sanitizer) special(v reflect.Value) (any, bool) {
	if !v.CanInterface() {
		return nil, false
	}
	t := v.Type()

	switch {
	case t == timeType:
		return v.Interface().(time.Time).Format(time.RFC3339Nano), true
	case t.Implements(errorType):
		if msg, ok := safeCall(func() string { return v.Interface().(error).Error() }); ok {
			return msg, true
		}
	case t.Implements(jsonMarshalerType):
		var raw []byte
		var err error
		_, ok := safeCall(func() string {
			raw, err = v.Interface().(json.Marshaler).MarshalJSON()
			return ""
		})
		if ok && err == nil && fastjson.ValidateBytes(raw) == nil {
			return json.RawMessage(append([]byte(nil), raw...)), true
		}
	}
	// fall back to the structural representation
	return nil, false
}

func (s *sanitizer) list(v reflect.Value, depth int) []any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = s.value(v.Index(i), depth+1)
	}
	return out
}

func (s *sanitizer) structure(v reflect.Value, depth int) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, omitEmpty := jsonName(field)
		if name == "-" {
			continue
		}
		fv := v.Field(i)

		if field.Anonymous && name == "" {
			// promote the fields of embedded structs the way encoding/json does
			if nested, ok := s.value(fv, depth+1).(map[string]any); ok {
				for k, val := range nested {
					if _, exists := out[k]; !exists {
						out[k] = val
					}
				}
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		out[name] = s.value(fv, depth+1)
	}
	return out
}

func jsonName(field reflect.StructField) (string, bool) {
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return "", false
	}
	if tag == "-" {
		return "-", false
	}
	name, opts, _ := strings.Cut(tag, ",")
	return name, strings.Contains(opts, "omitempty")
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() && k.Type().Implements(textMarshalerType) {
		if text, err := k.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
			return string(text)
		}
	}
	return describe(k)
}

func describe(v reflect.Value) string {
	if !v.CanInterface() {
		return v.Type().String()
	}
	s, ok := safeCall(func() string { return fmt.Sprint(v.Interface()) })
	if !ok {
		return v.Type().String()
	}
	return s
}

func safeCall(fn func() string) (s string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return fn(), true
}
