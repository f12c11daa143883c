package vars

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Metatable names installed into every interpreter by Codec.Install.
const (
	EntityTypeName = "entity"
	Vec3TypeName   = "vec3"
)

// DefaultMaxDepth bounds table nesting when reading values out of Lua.
// It also stops reference cycles.
const DefaultMaxDepth = 64

// ErrUnsupported is returned for Lua values with no Value representation
// (functions, coroutines, channels, unknown userdata).
var ErrUnsupported = errors.New("vars: unsupported script value")

// Converter is the escape hatch for host types outside the closed set.
// ToLua builds the script-side representation; FromLua recognises it again.
type Converter struct {
	ToLua   func(L *lua.LState, data any) lua.LValue
	FromLua func(ud *lua.LUserData) (any, bool)
}

// Codec converts between Value and gopher-lua values.
type Codec struct {
	mu       sync.RWMutex
	custom   map[string]Converter
	MaxDepth int
}

// NewCodec creates a codec with no custom converters.
func NewCodec() *Codec {
	return &Codec{
		custom:   make(map[string]Converter),
		MaxDepth: DefaultMaxDepth,
	}
}

// Register adds a converter for Custom values with the given type name.
func (c *Codec) Register(typeName string, conv Converter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[typeName] = conv
}

// Install creates the entity and vec3 metatables and the vec3() constructor
// in L. It is safe to call more than once.
func (c *Codec) Install(L *lua.LState) {
	emt := L.NewTypeMetatable(EntityTypeName)
	L.SetField(emt, "__index", L.NewFunction(entityIndex))
	L.SetField(emt, "__eq", L.NewFunction(entityEq))
	L.SetField(emt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkEntity(L, 1).String()))
		return 1
	}))

	vmt := L.NewTypeMetatable(Vec3TypeName)
	L.SetField(vmt, "__index", L.NewFunction(vec3Index))
	L.SetField(vmt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("vec3 is immutable")
		return 0
	}))
	L.SetField(vmt, "__eq", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(checkVec3(L, 1) == checkVec3(L, 2)))
		return 1
	}))
	L.SetField(vmt, "__add", L.NewFunction(func(L *lua.LState) int {
		a, b := checkVec3(L, 1), checkVec3(L, 2)
		L.Push(NewVec3(L, Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}))
		return 1
	}))
	L.SetField(vmt, "__sub", L.NewFunction(func(L *lua.LState) int {
		a, b := checkVec3(L, 1), checkVec3(L, 2)
		L.Push(NewVec3(L, Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}))
		return 1
	}))
	L.SetField(vmt, "__unm", L.NewFunction(func(L *lua.LState) int {
		a := checkVec3(L, 1)
		L.Push(NewVec3(L, Vec3{-a.X, -a.Y, -a.Z}))
		return 1
	}))
	L.SetField(vmt, "__mul", L.NewFunction(vec3Mul))
	L.SetField(vmt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkVec3(L, 1).String()))
		return 1
	}))

	L.SetGlobal("vec3", L.NewFunction(func(L *lua.LState) int {
		L.Push(NewVec3(L, Vec3{
			X: float64(L.OptNumber(1, 0)),
			Y: float64(L.OptNumber(2, 0)),
			Z: float64(L.OptNumber(3, 0)),
		}))
		return 1
	}))
}

// NewEntity wraps an entity id as script userdata.
func NewEntity(L *lua.LState, id Entity) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = id
	L.SetMetatable(ud, L.GetTypeMetatable(EntityTypeName))
	return ud
}

// NewVec3 wraps a vector as script userdata.
func NewVec3(L *lua.LState, v Vec3) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, L.GetTypeMetatable(Vec3TypeName))
	return ud
}

// CheckEntity accepts an entity userdata or a plain number at argument n.
func CheckEntity(L *lua.LState, n int) Entity {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		return Entity(int64(v))
	case *lua.LUserData:
		if id, ok := v.Value.(Entity); ok {
			return id
		}
	}
	L.ArgError(n, "entity expected")
	return 0
}

func checkEntity(L *lua.LState, n int) Entity {
	ud := L.CheckUserData(n)
	id, ok := ud.Value.(Entity)
	if !ok {
		L.ArgError(n, "entity expected")
	}
	return id
}

func checkVec3(L *lua.LState, n int) Vec3 {
	ud := L.CheckUserData(n)
	v, ok := ud.Value.(Vec3)
	if !ok {
		L.ArgError(n, "vec3 expected")
	}
	return v
}

func entityIndex(L *lua.LState) int {
	id := checkEntity(L, 1)
	switch L.CheckString(2) {
	case "id":
		L.Push(lua.LNumber(id))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func entityEq(L *lua.LState) int {
	L.Push(lua.LBool(checkEntity(L, 1) == checkEntity(L, 2)))
	return 1
}

func vec3Index(L *lua.LState) int {
	v := checkVec3(L, 1)
	switch L.CheckString(2) {
	case "x":
		L.Push(lua.LNumber(v.X))
	case "y":
		L.Push(lua.LNumber(v.Y))
	case "z":
		L.Push(lua.LNumber(v.Z))
	case "length":
		L.Push(lua.LNumber(math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func vec3Mul(L *lua.LState) int {
	a, b := L.Get(1), L.Get(2)
	if n, ok := a.(lua.LNumber); ok {
		a, b = b, n
	}
	ud, ok := a.(*lua.LUserData)
	if !ok {
		L.ArgError(1, "vec3 expected")
	}
	v, ok := ud.Value.(Vec3)
	if !ok {
		L.ArgError(1, "vec3 expected")
	}
	switch s := b.(type) {
	case lua.LNumber:
		f := float64(s)
		L.Push(NewVec3(L, Vec3{v.X * f, v.Y * f, v.Z * f}))
	case *lua.LUserData:
		w, ok := s.Value.(Vec3)
		if !ok {
			L.ArgError(2, "number or vec3 expected")
		}
		L.Push(NewVec3(L, Vec3{v.X * w.X, v.Y * w.Y, v.Z * w.Z}))
	default:
		L.ArgError(2, "number or vec3 expected")
	}
	return 1
}

// ToLua builds a fresh script value for v. Lists and maps become new tables.
func (c *Codec) ToLua(L *lua.LState, v Value) lua.LValue {
	switch x := OrNil(v).(type) {
	case Nil:
		return lua.LNil
	case Bool:
		return lua.LBool(x)
	case Number:
		return lua.LNumber(x)
	case String:
		return lua.LString(x)
	case List:
		t := L.CreateTable(len(x), 0)
		for i, e := range x {
			t.RawSetInt(i+1, c.ToLua(L, e))
		}
		return t
	case Map:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			t.RawSetString(k, c.ToLua(L, e))
		}
		return t
	case Entity:
		return NewEntity(L, x)
	case Vec3:
		return NewVec3(L, x)
	case Custom:
		c.mu.RLock()
		conv, ok := c.custom[x.Type]
		c.mu.RUnlock()
		if ok && conv.ToLua != nil {
			return conv.ToLua(L, x.Data)
		}
		ud := L.NewUserData()
		ud.Value = x
		return ud
	}
	return lua.LNil
}

// ManyToLua converts an argument list.
func (c *Codec) ManyToLua(L *lua.LState, m Many) []lua.LValue {
	out := make([]lua.LValue, len(m))
	for i, v := range m {
		out[i] = c.ToLua(L, v)
	}
	return out
}

// FromLua copies a script value out of the interpreter.
func (c *Codec) FromLua(lv lua.LValue) (Value, error) {
	return c.fromLua(lv, 0)
}

// ArgsFromLua converts stack arguments start..top into a Many.
func (c *Codec) ArgsFromLua(L *lua.LState, start int) (Many, error) {
	top := L.GetTop()
	if start > top {
		return Many{}, nil
	}
	out := make(Many, 0, top-start+1)
	for i := start; i <= top; i++ {
		v, err := c.FromLua(L.Get(i))
		if err != nil {
			return nil, fmt.Errorf("argument #%d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Codec) fromLua(lv lua.LValue, depth int) (Value, error) {
	maxDepth := c.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("vars: table nesting deeper than %d", maxDepth)
	}
	switch x := lv.(type) {
	case nil, *lua.LNilType:
		return Nil{}, nil
	case lua.LBool:
		return Bool(x), nil
	case lua.LNumber:
		return Number(x), nil
	case lua.LString:
		return String(x), nil
	case *lua.LTable:
		return c.tableFromLua(x, depth)
	case *lua.LUserData:
		return c.userDataFromLua(x)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, lv.Type().String())
	}
}

func (c *Codec) tableFromLua(t *lua.LTable, depth int) (Value, error) {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if count == n {
		out := make(List, n)
		for i := 1; i <= n; i++ {
			v, err := c.fromLua(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i-1] = v
		}
		return out, nil
	}
	out := make(Map, count)
	var firstErr error
	t.ForEach(func(k, v lua.LValue) {
		if firstErr != nil {
			return
		}
		var key string
		switch kk := k.(type) {
		case lua.LString:
			key = string(kk)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kk), 'g', -1, 64)
		default:
			firstErr = fmt.Errorf("%w: table key of type %s", ErrUnsupported, k.Type().String())
			return
		}
		val, err := c.fromLua(v, depth+1)
		if err != nil {
			firstErr = err
			return
		}
		out[key] = val
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *Codec) userDataFromLua(ud *lua.LUserData) (Value, error) {
	switch v := ud.Value.(type) {
	case Entity:
		return v, nil
	case Vec3:
		return v, nil
	case Custom:
		return v, nil
	}
	c.mu.RLock()
	names := make([]string, 0, len(c.custom))
	for name := range c.custom {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		c.mu.RLock()
		conv := c.custom[name]
		c.mu.RUnlock()
		if conv.FromLua == nil {
			continue
		}
		if data, ok := conv.FromLua(ud); ok {
			return Custom{Type: name, Data: data}, nil
		}
	}
	return nil, fmt.Errorf("%w: userdata %T", ErrUnsupported, ud.Value)
}
