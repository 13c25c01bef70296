package wire

import (
	stdjson "encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

// ValidateParams checks params against d. Missing required params and values
// of the wrong kind fail with schemas.ErrInvalidParams; undeclared params are
// allowed through unchanged.
func ValidateParams(d ActionDescriptor, params map[string]interface{}) error {
	for _, spec := range d.Params {
		v, present := params[spec.Name]
		if !present || v == nil {
			if spec.Required {
				return fmt.Errorf("%w: action %q requires param %q", schemas.ErrInvalidParams, d.Name, spec.Name)
			}
			continue
		}
		if spec.Kind == KindAny || spec.Kind == "" {
			continue
		}
		if got := kindOf(v); got != spec.Kind {
			return fmt.Errorf("%w: action %q param %q must be %s, got %s",
				schemas.ErrInvalidParams, d.Name, spec.Name, spec.Kind, got)
		}
	}
	if _, _, err := TimeoutFromParams(params); err != nil {
		return err
	}
	return nil
}

// maxTimeoutMillis is the first millisecond count a time.Duration cannot hold.
const maxTimeoutMillis = float64(math.MaxInt64) / float64(time.Millisecond)

// TimeoutFromParams reads the optional timeout param (milliseconds).
func TimeoutFromParams(params map[string]interface{}) (time.Duration, bool, error) {
	v, ok := params[TimeoutParam]
	if !ok || v == nil {
		return 0, false, nil
	}
	ms, ok := numberValue(v)
	if !ok {
		return 0, false, fmt.Errorf("%w: %q must be a number of milliseconds, got %s",
			schemas.ErrInvalidParams, TimeoutParam, kindOf(v))
	}
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, false, fmt.Errorf("%w: %q must be a non-negative number of milliseconds", schemas.ErrInvalidParams, TimeoutParam)
	}
	if ms >= maxTimeoutMillis {
		return 0, false, fmt.Errorf("%w: %q of %g ms exceeds the largest supported timeout", schemas.ErrInvalidParams, TimeoutParam, ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), true, nil
}

func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case stdjson.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// kindOf classifies a Go value by the JSON shape it marshals to.
func kindOf(v interface{}) ParamKind {
	switch t := v.(type) {
	case stdjson.Number:
		return KindNumber
	case stdjson.RawMessage:
		return rawKind(t)
	case []byte:
		// encoding/json renders []byte as a base64 string.
		return KindString
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return KindAny
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return KindString
	case reflect.Bool:
		return KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return KindNumber
	case reflect.Map, reflect.Struct:
		return KindObject
	case reflect.Slice, reflect.Array:
		return KindArray
	}
	return KindAny
}

func rawKind(raw stdjson.RawMessage) ParamKind {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return KindObject
		case '[':
			return KindArray
		case '"':
			return KindString
		case 't', 'f':
			return KindBool
		case 'n':
			return KindAny
		default:
			return KindNumber
		}
	}
	return KindAny
}
