package crdt_test

import (
	"errors"
	"reflect"
	"runtime/debug"
	"testing"

	"gihan9a/collabsync/internal/crdt"
)

func fatalf(t *testing.T, format string, v ...interface{}) {
	debug.PrintStack()
	t.Fatalf(format, v...)
}

func ok(t *testing.T, err error) {
	if err != nil {
		fatalf(t, "unexpected error: %v", err)
	}
}

func eq(t *testing.T, got, want interface{}) {
	if !reflect.DeepEqual(got, want) {
		fatalf(t, "got %v, want %v", got, want)
	}
}

// newTextDoc returns a doc whose root key "t" holds a text object with s
func newTextDoc(t *testing.T, actor, s string) (*crdt.Doc, crdt.ObjID) {
	d := crdt.New(actor)
	var text crdt.ObjID
	_, err := d.Change(func(tx *crdt.Tx) error {
		var err error
		if text, err = tx.MakeText(); err != nil {
			return err
		}
		if err := tx.InsertText(text, 0, s); err != nil {
			return err
		}
		return tx.SetLink(crdt.Root, "t", text)
	})
	ok(t, err)
	return d, text
}

func TestChangeAndMaterialize(t *testing.T) {
	d := crdt.New("a")
	_, err := d.Change(func(tx *crdt.Tx) error {
		return tx.SetValue(crdt.Root, "children", []any{
			map[string]any{"type": "paragraph", "level": float64(1)},
		})
	})
	ok(t, err)
	eq(t, d.Materialize(crdt.Root), map[string]any{
		"children": []any{map[string]any{"type": "paragraph", "level": float64(1)}},
	})
}

func TestChangeIsAtomic(t *testing.T) {
	d, text := newTextDoc(t, "a", "Hi")
	boom := errors.New("boom")
	_, err := d.Change(func(tx *crdt.Tx) error {
		ok(t, tx.InsertText(text, 2, "!!!"))
		return boom
	})
	eq(t, err, boom)
	eq(t, d.Text(text), "Hi")
	eq(t, d.Clock(), map[string]uint64{"a": 1})
}

func TestOutOfRange(t *testing.T) {
	d, text := newTextDoc(t, "a", "Hi")
	_, err := d.Change(func(tx *crdt.Tx) error {
		return tx.Remove(text, 5)
	})
	eq(t, errors.Is(err, crdt.ErrOutOfRange), true)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a, text := newTextDoc(t, "a", "Hi")
	b := a.Fork("b")

	_, err := a.Change(func(tx *crdt.Tx) error { return tx.InsertText(text, 2, "!") })
	ok(t, err)
	_, err = b.Change(func(tx *crdt.Tx) error { return tx.InsertText(text, 2, "?") })
	ok(t, err)

	_, err = a.ApplyChanges(b.ChangesSince(a.Clock()))
	ok(t, err)
	_, err = b.ApplyChanges(a.ChangesSince(b.Clock()))
	ok(t, err)

	eq(t, a.Text(text), b.Text(text))
	eq(t, len(a.Text(text)), 4)
}

func TestConcurrentMapWritesConverge(t *testing.T) {
	a := crdt.New("a")
	b := a.Fork("b")
	_, err := a.Change(func(tx *crdt.Tx) error { return tx.Set(crdt.Root, "k", "from a") })
	ok(t, err)
	_, err = b.Change(func(tx *crdt.Tx) error { return tx.Set(crdt.Root, "k", "from b") })
	ok(t, err)

	_, err = a.ApplyChanges(b.ChangesSince(a.Clock()))
	ok(t, err)
	_, err = b.ApplyChanges(a.ChangesSince(b.Clock()))
	ok(t, err)

	va, _, _ := a.Get(crdt.Root, "k")
	vb, _, _ := b.Get(crdt.Root, "k")
	eq(t, va, vb)
	if va != "from a" && va != "from b" {
		fatalf(t, "unexpected winner %v", va)
	}
}

func TestApplyChangesNeedsEarlierChanges(t *testing.T) {
	a, text := newTextDoc(t, "a", "")
	b := a.Fork("b")
	for _, s := range []string{"x", "y"} {
		s := s
		_, err := a.Change(func(tx *crdt.Tx) error { return tx.InsertText(text, tx.Len(text), s) })
		ok(t, err)
	}
	changes := a.ChangesSince(b.Clock())
	eq(t, len(changes), 2)

	_, err := b.ApplyChanges(changes[1:])
	eq(t, errors.Is(err, crdt.ErrMissingChange), true)
	eq(t, b.Text(text), "")

	diffs, err := b.ApplyChanges(changes)
	ok(t, err)
	eq(t, b.Text(text), "xy")
	eq(t, len(diffs), 2)
	eq(t, diffs[1].Index, 1)
	eq(t, diffs[1].Path, []any{"t"})

	// applying again is a no-op
	diffs, err = b.ApplyChanges(changes)
	ok(t, err)
	eq(t, len(diffs), 0)
}

func TestRemoteObjectsArriveDetachedFirst(t *testing.T) {
	a := crdt.New("a")
	b := a.Fork("b")
	_, err := a.Change(func(tx *crdt.Tx) error {
		return tx.SetValue(crdt.Root, "node", map[string]any{"type": "paragraph"})
	})
	ok(t, err)

	diffs, err := b.ApplyChanges(a.ChangesSince(b.Clock()))
	ok(t, err)
	eq(t, len(diffs), 3)
	eq(t, diffs[0].Action, crdt.DiffCreate)
	eq(t, diffs[1].Key, "type")
	eq(t, diffs[1].Attached(), false)
	eq(t, diffs[2].Key, "node")
	eq(t, diffs[2].Link, true)
	eq(t, diffs[2].Path, []any{})
	eq(t, b.Materialize(crdt.Root), a.Materialize(crdt.Root))
}

func TestSaveLoad(t *testing.T) {
	a, text := newTextDoc(t, "a", "Hello")
	data, err := a.Save()
	ok(t, err)
	b, err := crdt.Load(data, "b")
	ok(t, err)
	eq(t, b.Text(text), "Hello")
	eq(t, b.Materialize(crdt.Root), a.Materialize(crdt.Root))
}

func TestDiffPaths(t *testing.T) {
	d := crdt.New("a")
	_, err := d.Change(func(tx *crdt.Tx) error {
		return tx.SetValue(crdt.Root, "children", []any{
			map[string]any{"children": []any{}},
		})
	})
	ok(t, err)
	before := d.Fork("before")

	children, _, _ := d.Get(crdt.Root, "children")
	first, _, _ := d.At(children.(crdt.ObjID), 0)
	inner, _, _ := d.Get(first.(crdt.ObjID), "children")
	_, err = d.Change(func(tx *crdt.Tx) error {
		return tx.Insert(inner.(crdt.ObjID), 0, "leaf")
	})
	ok(t, err)

	diffs, err := crdt.DiffDocs(before, d)
	ok(t, err)
	eq(t, len(diffs), 1)
	eq(t, diffs[0].Action, crdt.DiffInsert)
	eq(t, diffs[0].Path, []any{"children", 0, "children"})
	eq(t, diffs[0].Index, 0)
	eq(t, diffs[0].Value, "leaf")
}

func TestDetachedObjectsHaveNoPath(t *testing.T) {
	d := crdt.New("a")
	diffs, err := d.Change(func(tx *crdt.Tx) error {
		m, err := tx.MakeMap()
		if err != nil {
			return err
		}
		if err := tx.Set(m, "x", true); err != nil {
			return err
		}
		return tx.SetLink(crdt.Root, "m", m)
	})
	ok(t, err)
	eq(t, len(diffs), 3)
	eq(t, diffs[0].Action, crdt.DiffCreate)
	eq(t, diffs[1].Attached(), false)
	eq(t, diffs[2].Attached(), true)
	eq(t, diffs[2].Link, true)
}

func TestSaveDropsUnreachableObjects(t *testing.T) {
	d := crdt.New("a")
	_, err := d.Change(func(tx *crdt.Tx) error {
		if err := tx.SetValue(crdt.Root, "kept", []any{"x"}); err != nil {
			return err
		}
		return tx.SetValue(crdt.Root, "gone", map[string]any{"y": true})
	})
	ok(t, err)
	gone, _, _ := d.Get(crdt.Root, "gone")
	_, err = d.Change(func(tx *crdt.Tx) error { return tx.Delete(crdt.Root, "gone") })
	ok(t, err)

	data, err := d.Save()
	ok(t, err)
	loaded, err := crdt.Load(data, "")
	ok(t, err)
	eq(t, loaded.Materialize(crdt.Root), map[string]any{"kept": []any{"x"}})
	_, known := loaded.Type(gone.(crdt.ObjID))
	eq(t, known, false)
}

func TestBuildAcceptsNamedMaps(t *testing.T) {
	type node map[string]any
	d := crdt.New("a")
	_, err := d.Change(func(tx *crdt.Tx) error {
		return tx.SetValue(crdt.Root, "children", []node{{"data": node{"level": float64(1)}}})
	})
	ok(t, err)
	eq(t, d.Materialize(crdt.Root), map[string]any{
		"children": []any{map[string]any{"data": map[string]any{"level": float64(1)}}},
	})
}
