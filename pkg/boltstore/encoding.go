package boltstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

// ErrCustomValue is returned when a value holds a host-defined Custom
// variant, which has no stable on-disk form.
var ErrCustomValue = errors.New("boltstore: custom values cannot be persisted")

// record is the gob form of a vars.Value. Only the fields for Kind are set.
type record struct {
	Kind    vars.Kind
	Bool    bool
	Num     float64
	Str     string
	List    []record
	Map     map[string]record
	X, Y, Z float64
}

// entityRecord is the gob form of a world.Entity.
type entityRecord struct {
	ID         int64
	Name       string
	Components map[string]record
	Scripts    []string
	Spawned    time.Time
	LastMod    time.Time
}

func toRecord(v vars.Value) (record, error) {
	switch x := vars.OrNil(v).(type) {
	case vars.Nil:
		return record{Kind: vars.KindNil}, nil
	case vars.Bool:
		return record{Kind: vars.KindBool, Bool: bool(x)}, nil
	case vars.Number:
		return record{Kind: vars.KindNumber, Num: float64(x)}, nil
	case vars.String:
		return record{Kind: vars.KindString, Str: string(x)}, nil
	case vars.Entity:
		return record{Kind: vars.KindEntity, Num: float64(x)}, nil
	case vars.Vec3:
		return record{Kind: vars.KindVec3, X: x.X, Y: x.Y, Z: x.Z}, nil
	case vars.List:
		r := record{Kind: vars.KindList, List: make([]record, len(x))}
		for i, e := range x {
			er, err := toRecord(e)
			if err != nil {
				return record{}, fmt.Errorf("[%d]: %w", i+1, err)
			}
			r.List[i] = er
		}
		return r, nil
	case vars.Map:
		r := record{Kind: vars.KindMap, Map: make(map[string]record, len(x))}
		for k, e := range x {
			er, err := toRecord(e)
			if err != nil {
				return record{}, fmt.Errorf("%s: %w", k, err)
			}
			r.Map[k] = er
		}
		return r, nil
	case vars.Custom:
		return record{}, fmt.Errorf("%w (%s)", ErrCustomValue, x.Type)
	}
	return record{}, fmt.Errorf("boltstore: unknown value %T", v)
}

func fromRecord(r record) vars.Value {
	switch r.Kind {
	case vars.KindBool:
		return vars.Bool(r.Bool)
	case vars.KindNumber:
		return vars.Number(r.Num)
	case vars.KindString:
		return vars.String(r.Str)
	case vars.KindEntity:
		return vars.Entity(int64(r.Num))
	case vars.KindVec3:
		return vars.Vec3{X: r.X, Y: r.Y, Z: r.Z}
	case vars.KindList:
		out := make(vars.List, len(r.List))
		for i, e := range r.List {
			out[i] = fromRecord(e)
		}
		return out
	case vars.KindMap:
		out := make(vars.Map, len(r.Map))
		for k, e := range r.Map {
			out[k] = fromRecord(e)
		}
		return out
	default:
		return vars.Nil{}
	}
}

// encodeValue serializes a Value to bytes using gob.
func encodeValue(v vars.Value) ([]byte, error) {
	r, err := toRecord(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValue deserializes bytes back into a Value.
func decodeValue(data []byte) (vars.Value, error) {
	var r record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, err
	}
	return fromRecord(r), nil
}

// encodeEntity serializes an Entity to bytes using gob.
func encodeEntity(e *world.Entity) ([]byte, error) {
	er := entityRecord{
		ID:         int64(e.ID),
		Name:       e.Name,
		Components: make(map[string]record, len(e.Components)),
		Scripts:    e.Scripts,
		Spawned:    e.Spawned,
		LastMod:    e.LastMod,
	}
	for k, v := range e.Components {
		r, err := toRecord(v)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", k, err)
		}
		er.Components[k] = r
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(er); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEntity deserializes bytes back into an Entity.
func decodeEntity(data []byte) (*world.Entity, error) {
	var er entityRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&er); err != nil {
		return nil, err
	}
	e := &world.Entity{
		ID:         world.EntityID(er.ID),
		Name:       er.Name,
		Components: make(map[string]vars.Value, len(er.Components)),
		Scripts:    er.Scripts,
		Spawned:    er.Spawned,
		LastMod:    er.LastMod,
	}
	for k, r := range er.Components {
		e.Components[k] = fromRecord(r)
	}
	return e, nil
}
