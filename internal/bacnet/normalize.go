package bacnet

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxNormaliseDepth bounds unwrapping of nested value containers.
const maxNormaliseDepth = 4

// NormalizeValue converts a raw device response value into a float64.
//
// BACnet stacks are loose about present-value shapes: depending on the
// device and the property, a read may yield a bare number, a boolean,
// a numeric string, an object with a "value" member, or a one-element
// array of any of these. Every value entering the pipeline passes
// through here, so later stages only ever see a plain number or an
// error — raw untyped values never escape the transport boundary.
//
// Non-finite numbers (NaN, ±Inf) are rejected: they cannot be encoded
// as JSON and would poison the upload payload downstream.
func NormalizeValue(raw any) (float64, error) {
	v, err := normalise(raw, 0)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite number", ErrBadValue)
	}
	return v, nil
}

func normalise(raw any, depth int) (float64, error) {
	if depth > maxNormaliseDepth {
		return 0, fmt.Errorf("%w: value nested too deeply", ErrBadValue)
	}

	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: non-numeric %q", ErrBadValue, v.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: non-numeric string %q", ErrBadValue, v)
		}
		return f, nil
	case map[string]any:
		inner, ok := v["value"]
		if !ok {
			return 0, fmt.Errorf("%w: object without value member", ErrBadValue)
		}
		return normalise(inner, depth+1)
	case []any:
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: empty array", ErrBadValue)
		}
		return normalise(v[0], depth+1)
	case nil:
		return 0, fmt.Errorf("%w: null value", ErrBadValue)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrBadValue, raw)
	}
}
