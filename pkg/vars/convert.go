package vars

import (
	"fmt"
	"strconv"
	"time"
)

// FromAny converts decoded YAML/JSON/SQL data into a Value.
func FromAny(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Nil{}, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Number(v), nil
	case int32:
		return Number(v), nil
	case int64:
		return Number(v), nil
	case uint:
		return Number(v), nil
	case uint32:
		return Number(v), nil
	case uint64:
		return Number(v), nil
	case float32:
		return Number(v), nil
	case float64:
		return Number(v), nil
	case string:
		return String(v), nil
	case []byte:
		return String(v), nil
	case time.Time:
		return String(v.Format(time.RFC3339Nano)), nil
	case []any:
		out := make(List, len(v))
		for i, e := range v {
			ev, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		out := make(Map, len(v))
		for k, e := range v {
			ev, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	case map[any]any:
		out := make(Map, len(v))
		for k, e := range v {
			ev, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("key %v: %w", k, err)
			}
			out[fmt.Sprint(k)] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("vars: unsupported native type %T", x)
	}
}

// ToAny converts a Value into plain Go data suitable for JSON/YAML encoding.
// Entities become {"entity": id} and vectors {"x":..,"y":..,"z":..}.
func ToAny(v Value) any {
	switch x := OrNil(v).(type) {
	case Nil:
		return nil
	case Bool:
		return bool(x)
	case Number:
		return float64(x)
	case String:
		return string(x)
	case List:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = ToAny(e)
		}
		return out
	case Map:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = ToAny(e)
		}
		return out
	case Entity:
		return map[string]any{"entity": int64(x)}
	case Vec3:
		return map[string]any{"x": x.X, "y": x.Y, "z": x.Z}
	case Custom:
		return map[string]any{"type": x.Type, "data": fmt.Sprint(x.Data)}
	}
	return nil
}

// AsNumber returns the numeric value of v, accepting numeric strings.
func AsNumber(v Value) (float64, bool) {
	switch x := v.(type) {
	case Number:
		return float64(x), true
	case String:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case Entity:
		return float64(x), true
	}
	return 0, false
}

// FromPlain is FromAny followed by the inverse of ToAny's encodings: a map
// holding exactly numeric x, y and z becomes a Vec3, and {"entity": id} an
// Entity. Nested lists and maps are converted too.
func FromPlain(x any) (Value, error) {
	v, err := FromAny(x)
	if err != nil {
		return nil, err
	}
	return unplain(v), nil
}

func unplain(v Value) Value {
	switch x := v.(type) {
	case List:
		for i, e := range x {
			x[i] = unplain(e)
		}
	case Map:
		if id, ok := x["entity"].(Number); ok && len(x) == 1 {
			return Entity(int64(id))
		}
		if len(x) == 3 {
			vx, okx := x["x"].(Number)
			vy, oky := x["y"].(Number)
			vz, okz := x["z"].(Number)
			if okx && oky && okz {
				return Vec3{X: float64(vx), Y: float64(vy), Z: float64(vz)}
			}
		}
		for k, e := range x {
			x[k] = unplain(e)
		}
	}
	return v
}
