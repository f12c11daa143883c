// Package vars defines the closed value type used to move data between
// native state and script state. Values are plain data: converting a value
// into an interpreter never hands the interpreter a pointer into the world.
package vars

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the concrete variant held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
	KindEntity
	KindVec3
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindEntity:
		return "entity"
	case KindVec3:
		return "vec3"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Value is one of Nil, Bool, Number, String, List, Map, Entity, Vec3 or
// Custom. The set is closed; other packages cannot add variants.
type Value interface {
	Kind() Kind
	String() string
	sealed()
}

// Many is an ordered argument or return list.
type Many []Value

type (
	Nil    struct{}
	Bool   bool
	Number float64
	String string
	List   []Value
	Map    map[string]Value
	Entity int64
)

// Vec3 is a three-component vector.
type Vec3 struct {
	X, Y, Z float64
}

// Custom carries a host type that has a registered Codec converter.
// Data must not alias world state.
type Custom struct {
	Type string
	Data any
}

func (Nil) Kind() Kind    { return KindNil }
func (Bool) Kind() Kind   { return KindBool }
func (Number) Kind() Kind { return KindNumber }
func (String) Kind() Kind { return KindString }
func (List) Kind() Kind   { return KindList }
func (Map) Kind() Kind    { return KindMap }
func (Entity) Kind() Kind { return KindEntity }
func (Vec3) Kind() Kind   { return KindVec3 }
func (Custom) Kind() Kind { return KindCustom }

func (Nil) sealed()    {}
func (Bool) sealed()   {}
func (Number) sealed() {}
func (String) sealed() {}
func (List) sealed()   {}
func (Map) sealed()    {}
func (Entity) sealed() {}
func (Vec3) sealed()   {}
func (Custom) sealed() {}

func (Nil) String() string      { return "nil" }
func (b Bool) String() string   { return strconv.FormatBool(bool(b)) }
func (n Number) String() string { return strconv.FormatFloat(float64(n), 'g', -1, 64) }
func (s String) String() string { return string(s) }
func (e Entity) String() string { return fmt.Sprintf("entity#%d", int64(e)) }
func (v Vec3) String() string {
	return fmt.Sprintf("vec3(%g, %g, %g)", v.X, v.Y, v.Z)
}
func (c Custom) String() string { return fmt.Sprintf("%s(%v)", c.Type, c.Data) }

func (l List) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = valueString(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (m Map) String() string {
	keys := m.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + valueString(m[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func valueString(v Value) string {
	if v == nil {
		return "nil"
	}
	if s, ok := v.(String); ok {
		return strconv.Quote(string(s))
	}
	return v.String()
}

// OrNil maps a nil interface to Nil{}.
func OrNil(v Value) Value {
	if v == nil {
		return Nil{}
	}
	return v
}

// IsNil reports whether v is absent or Nil.
func IsNil(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Nil)
	return ok
}

// Truthy follows script truthiness: only nil and false are false.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil, Nil:
		return false
	case Bool:
		return bool(x)
	default:
		return true
	}
}

// Equal compares two values structurally. Custom values compare by type
// name and Go equality of Data when Data is comparable.
func Equal(a, b Value) bool {
	a, b = OrNil(a), OrNil(b)
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Nil:
		return true
	case Bool, Number, String, Entity, Vec3:
		return a == b
	case List:
		y := b.(List)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Map:
		y := b.(Map)
		if len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case Custom:
		y := b.(Custom)
		if x.Type != y.Type {
			return false
		}
		defer func() { recover() }()
		return x.Data == y.Data
	}
	return false
}

// Clone deep-copies lists and maps so the copy shares no backing storage.
func Clone(v Value) Value {
	switch x := v.(type) {
	case nil:
		return Nil{}
	case List:
		out := make(List, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	case Map:
		out := make(Map, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	default:
		return v
	}
}
