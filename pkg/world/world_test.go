package world

import (
	"errors"
	"testing"

	"github.com/crystal-mush/luahost/pkg/vars"
)

func TestNewWorldHasRoot(t *testing.T) {
	w := New()
	w.WithRead(func(v *View) {
		if !v.Exists(Root) {
			t.Fatal("root entity missing")
		}
		if v.Name(Root) != "root" {
			t.Errorf("root name = %q", v.Name(Root))
		}
	})
}

func TestSpawnAndQuery(t *testing.T) {
	w := New()
	var goblin, chest EntityID
	w.WithWrite(func(tx *Txn) {
		goblin = tx.Spawn("goblin", map[string]vars.Value{"hp": vars.Number(10), "pos": vars.Vec3{X: 1}}, []string{"goblin.lua"})
		chest = tx.Spawn("chest", map[string]vars.Value{"pos": vars.Vec3{X: 2}}, nil)
	})
	if goblin == chest || goblin <= Root {
		t.Fatalf("unexpected ids goblin=%d chest=%d", goblin, chest)
	}
	w.WithRead(func(v *View) {
		got := v.Query("pos")
		if len(got) != 2 || got[0] != goblin || got[1] != chest {
			t.Errorf("Query(pos) = %v", got)
		}
		got = v.Query("pos", "hp")
		if len(got) != 1 || got[0] != goblin {
			t.Errorf("Query(pos, hp) = %v", got)
		}
		if ids := v.Find("chest"); len(ids) != 1 || ids[0] != chest {
			t.Errorf("Find(chest) = %v", ids)
		}
		hp, ok := v.Component(goblin, "hp")
		if !ok || !vars.Equal(hp, vars.Number(10)) {
			t.Errorf("hp = %v, %v", hp, ok)
		}
	})
}

func TestComponentIsCopied(t *testing.T) {
	w := New()
	var id EntityID
	w.WithWrite(func(tx *Txn) {
		id = tx.Spawn("bag", map[string]vars.Value{"items": vars.List{vars.String("sword")}}, nil)
	})
	var items vars.Value
	w.WithRead(func(v *View) {
		items, _ = v.Component(id, "items")
	})
	items.(vars.List)[0] = vars.String("stolen")
	w.WithRead(func(v *View) {
		got, _ := v.Component(id, "items")
		if !vars.Equal(got, vars.List{vars.String("sword")}) {
			t.Errorf("world state changed through a copied value: %v", got)
		}
	})
}

func TestDespawn(t *testing.T) {
	w := New()
	var id EntityID
	w.WithWrite(func(tx *Txn) {
		id = tx.Spawn("temp", nil, nil)
		if err := tx.Despawn(Root); !errors.Is(err, ErrRootEntity) {
			t.Errorf("despawn root: %v", err)
		}
		if err := tx.Despawn(id); err != nil {
			t.Errorf("despawn: %v", err)
		}
		if err := tx.Despawn(id); !errors.Is(err, ErrNoEntity) {
			t.Errorf("second despawn: %v", err)
		}
		if err := tx.SetComponent(id, "x", vars.Number(1)); !errors.Is(err, ErrNoEntity) {
			t.Errorf("set on despawned: %v", err)
		}
	})
}

func TestViewUsedOutsideScopePanics(t *testing.T) {
	w := New()
	var leaked *View
	w.WithRead(func(v *View) { leaked = v })
	defer func() {
		if recover() == nil {
			t.Error("expected panic when using a leaked view")
		}
	}()
	leaked.Exists(Root)
}

func TestSnapshotRestore(t *testing.T) {
	w := New()
	w.WithWrite(func(tx *Txn) {
		tx.Spawn("a", map[string]vars.Value{"n": vars.Number(1)}, []string{"a.lua"})
		tx.Spawn("b", nil, nil)
	})
	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}

	w2 := New()
	w2.Restore(snap[1:]) // drop root; Restore must recreate it
	if w2.Len() != 3 {
		t.Fatalf("restored len = %d", w2.Len())
	}
	var next EntityID
	w2.WithWrite(func(tx *Txn) {
		next = tx.Spawn("c", nil, nil)
	})
	if next <= snap[2].ID {
		t.Errorf("spawn after restore reused id %d", next)
	}
}
