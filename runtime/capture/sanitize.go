package capture

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// SanitizeDepth is the maximum container nesting preserved by Sanitize.
// Values nested deeper are replaced by DepthSentinel.
const SanitizeDepth = 3

// DepthSentinel replaces values cut off by the depth limit.
const DepthSentinel = "<max_depth_reached>"

// Sanitize reduces an arbitrary value to a JSON-safe tree suitable for an
// artifact snapshot. Maps and sequences are walked up to SanitizeDepth;
// function and channel members are dropped; anything that cannot be
// serialized becomes a "<type@0xaddr>" sentinel string. Containers revisited
// on the same path are replaced by their sentinel so cyclic values terminate.
func Sanitize(v any) any {
	return sanitizeValue(reflect.ValueOf(v), 0, make(map[uintptr]struct{}))
}

// SanitizeMap sanitizes every member of m. A nil map stays nil.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Sanitize(m).(map[string]any)
	return out
}

func sanitizeValue(v reflect.Value, depth int, seen map[uintptr]struct{}) any {
	if depth > SanitizeDepth {
		return DepthSentinel
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitizeValue(v.Elem(), depth, seen)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if _, ok := seen[addr]; ok {
			return sentinel(v)
		}
		seen[addr] = struct{}{}
		defer delete(seen, addr)
		return sanitizeValue(v.Elem(), depth, seen)

	case reflect.Bool:
		return v.Bool()

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()

	case reflect.Float32, reflect.Float64:
		return v.Float()

	case reflect.String:
		return v.String()

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
		addr := v.Pointer()
		if _, ok := seen[addr]; ok {
			return sentinel(v)
		}
		seen[addr] = struct{}{}
		defer delete(seen, addr)
		return sanitizeSeq(v, depth, seen)

	case reflect.Array:
		return sanitizeSeq(v, depth, seen)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if _, ok := seen[addr]; ok {
			return sentinel(v)
		}
		seen[addr] = struct{}{}
		defer delete(seen, addr)
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			if droppable(iter.Value()) {
				continue
			}
			out[mapKey(iter.Key())] = sanitizeValue(iter.Value(), depth+1, seen)
		}
		return out

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return sentinel(v)

	default:
		// Structs and anything else: embed whole when it serializes cleanly,
		// otherwise fall back to the sentinel.
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return sentinel(v)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return sentinel(v)
		}
		return out
	}
}

func sanitizeSeq(v reflect.Value, depth int, seen map[uintptr]struct{}) []any {
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		if droppable(v.Index(i)) {
			continue
		}
		out = append(out, sanitizeValue(v.Index(i), depth+1, seen))
	}
	return out
}

// droppable reports whether a container member is silently omitted from the
// snapshot rather than recorded as a sentinel.
func droppable(v reflect.Value) bool {
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	k := v.Kind()
	return k == reflect.Func || k == reflect.Chan
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

func sentinel(v reflect.Value) string {
	var addr uintptr
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Slice, reflect.UnsafePointer:
		addr = v.Pointer()
	}
	return fmt.Sprintf("<%s@0x%x>", v.Type(), addr)
}
