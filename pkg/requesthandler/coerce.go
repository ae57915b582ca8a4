package requesthandler

import (
	"fmt"
	"reflect"
	"strconv"
)

var errorInterface = reflect.TypeOf((*error)(nil)).Elem()

// coerceValue casts raw (a string, int64, or float64 produced by the
// parsers) to target, the declared type of a handler parameter, per
// spec.md §4.7's "cast by invoking the annotation as a unary function".
// Failed coercions are silently skipped: coerceValue falls back to
// target's zero value rather than leaving a dynamically mismatched value
// in place, since — unlike the original's dynamically-typed host language
// — a Go function call requires every argument to already be of the
// declared static type.
func coerceValue(raw any, target reflect.Type) reflect.Value {
	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		if raw == nil {
			return reflect.Zero(target)
		}
		return reflect.ValueOf(raw)
	}

	if raw == nil {
		return reflect.Zero(target)
	}

	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(target) {
		return rv
	}
	if rv.Type().ConvertibleTo(target) && isNumericKind(rv.Kind()) && isNumericKind(target.Kind()) {
		return rv.Convert(target)
	}

	switch target.Kind() {
	case reflect.String:
		return reflect.ValueOf(fmt.Sprint(raw)).Convert(target)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if s, ok := raw.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return reflect.ValueOf(n).Convert(target)
			}
		}
	case reflect.Float32, reflect.Float64:
		if s, ok := raw.(string); ok {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return reflect.ValueOf(n).Convert(target)
			}
		}
	case reflect.Bool:
		switch v := raw.(type) {
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return reflect.ValueOf(b)
			}
		case int64:
			return reflect.ValueOf(v != 0)
		case float64:
			return reflect.ValueOf(v != 0)
		}
	}

	return reflect.Zero(target)
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// extractResult reads a handler's return values into a response string and
// an error, recognizing the conventional (value, error) and bare error/
// value-only shapes. A non-string, non-error value is rendered with
// fmt.Sprint, standing in for the declared return-annotation coercion
// spec.md §4.7 describes.
func extractResult(out []reflect.Value) (string, error) {
	if len(out) == 0 {
		return "", nil
	}

	last := out[len(out)-1]
	if last.Type().Implements(errorInterface) {
		if !last.IsNil() {
			return "", last.Interface().(error) //nolint:errcheck
		}
		if len(out) == 1 {
			return "", nil
		}
		return stringify(out[0]), nil
	}
	return stringify(last), nil
}

func stringify(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	return fmt.Sprint(v.Interface())
}
