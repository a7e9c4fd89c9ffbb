package crdt

import (
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"
)

// Tx is the mutation handle inside Doc.Change. Objects are copied on first
// write; reads through a Tx observe every edit made so far.
type Tx struct {
	doc     *Doc
	next    uint64
	staged  map[ObjID]*object
	touched []ObjID
	parents map[ObjID]*parentRef // nil value: detached during the tx
	diffs   []Diff
}

func (tx *Tx) mint() string {
	id := OpID{Counter: tx.next, Actor: tx.doc.actor}
	tx.next++
	return id.String()
}

func (tx *Tx) object(id ObjID) *object {
	if o, ok := tx.staged[id]; ok {
		return o
	}
	return tx.doc.views[id]
}

func (tx *Tx) parentOf(id ObjID) (parentRef, bool) {
	if p, ok := tx.parents[id]; ok {
		if p == nil {
			return parentRef{}, false
		}
		return *p, true
	}
	return tx.doc.parentOf(id)
}

// mutable returns the staged copy of obj, making it on first write
func (tx *Tx) mutable(obj ObjID) (*object, error) {
	if o, ok := tx.staged[obj]; ok {
		return o, nil
	}
	o := tx.doc.views[obj]
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, obj)
	}
	c := o.clone()
	tx.staged[obj] = c
	tx.touched = append(tx.touched, obj)
	return c, nil
}

func (tx *Tx) emit(obj ObjID, typ ObjType, d Diff) {
	d.Obj, d.Type = obj, typ
	d.Path = pathOf(tx, obj)
	tx.diffs = append(tx.diffs, d)
}

func (tx *Tx) attach(child, parent ObjID, key string) {
	tx.parents[child] = &parentRef{obj: parent, key: key}
}

func (tx *Tx) detach(v value, parent ObjID, key string) {
	if v.Link == "" {
		return
	}
	if p, ok := tx.parentOf(v.Link); ok && p.obj == parent && p.key == key {
		tx.parents[v.Link] = nil
	}
}

func (tx *Tx) make(typ ObjType) ObjID {
	id := ObjID(tx.mint())
	tx.staged[id] = newObject(typ)
	tx.touched = append(tx.touched, id)
	tx.diffs = append(tx.diffs, Diff{Action: DiffCreate, Type: typ, Obj: id})
	return id
}

// MakeMap creates a detached map. Link it with SetLink or InsertLink.
func (tx *Tx) MakeMap() (ObjID, error) { return tx.make(TypeMap), nil }

func (tx *Tx) MakeList() (ObjID, error) { return tx.make(TypeList), nil }

func (tx *Tx) MakeText() (ObjID, error) { return tx.make(TypeText), nil }

func (tx *Tx) mapObject(obj ObjID) (*object, error) {
	o, err := tx.mutable(obj)
	if err != nil {
		return nil, err
	}
	if o.Type != TypeMap {
		return nil, fmt.Errorf("%w: %s is a %s", ErrTypeMismatch, obj, o.Type)
	}
	return o, nil
}

func (tx *Tx) setKey(obj ObjID, key string, v value) error {
	o, err := tx.mapObject(obj)
	if err != nil {
		return err
	}
	if v.Link != "" {
		if err := tx.linkable(v.Link); err != nil {
			return err
		}
	}
	if old, ok := o.Keys[key]; ok {
		tx.detach(old, obj, key)
	}
	o.Keys[key] = v
	if v.Link != "" {
		tx.attach(v.Link, obj, key)
	}
	p, link := v.plain(TypeMap)
	tx.emit(obj, TypeMap, Diff{Action: DiffSet, Key: key, Value: p, Link: link})
	return nil
}

func (tx *Tx) linkable(child ObjID) error {
	if child == Root || tx.object(child) == nil {
		return fmt.Errorf("%w: bad link %s", ErrUnknownObject, child)
	}
	return nil
}

// Set writes a scalar to a map key
func (tx *Tx) Set(obj ObjID, key string, v any) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	return tx.setKey(obj, key, value{Raw: raw})
}

// SetLink points a map key at another object
func (tx *Tx) SetLink(obj ObjID, key string, child ObjID) error {
	return tx.setKey(obj, key, value{Link: child})
}

// Delete removes a map key. Deleting a missing key does nothing.
func (tx *Tx) Delete(obj ObjID, key string) error {
	if o := tx.object(obj); o != nil && o.Type == TypeMap {
		if _, ok := o.Keys[key]; !ok {
			return nil
		}
	}
	o, err := tx.mapObject(obj)
	if err != nil {
		return err
	}
	old := o.Keys[key]
	delete(o.Keys, key)
	tx.detach(old, obj, key)
	p, link := old.plain(TypeMap)
	tx.emit(obj, TypeMap, Diff{Action: DiffRemove, Key: key, Value: p, Link: link})
	return nil
}

func (tx *Tx) sequence(obj ObjID) (*object, error) {
	o, err := tx.mutable(obj)
	if err != nil {
		return nil, err
	}
	if !o.isSequence() {
		return nil, fmt.Errorf("%w: %s is a %s", ErrTypeMismatch, obj, o.Type)
	}
	return o, nil
}

// insert places vals at index of a list or text in one splice
func (tx *Tx) insert(obj ObjID, index int, vals []value) error {
	o, err := tx.sequence(obj)
	if err != nil {
		return err
	}
	if index < 0 || index > len(o.Elems) {
		return fmt.Errorf("%w: %d in %s", ErrOutOfRange, index, obj)
	}
	for _, v := range vals {
		if o.Type == TypeText && (v.Link != "" || utf8.RuneCountInString(v.Raw) != 1) {
			return fmt.Errorf("%w: text elements hold single characters", ErrTypeMismatch)
		}
		if v.Link != "" {
			if err := tx.linkable(v.Link); err != nil {
				return err
			}
		}
	}

	added := make([]elem, len(vals))
	for i, v := range vals {
		added[i] = elem{ID: tx.mint(), Val: v}
	}
	o.Elems = append(o.Elems[:index], append(added, o.Elems[index:]...)...)
	for i, e := range added {
		if e.Val.Link != "" {
			tx.attach(e.Val.Link, obj, e.ID)
		}
		p, link := e.Val.plain(o.Type)
		tx.emit(obj, o.Type, Diff{Action: DiffInsert, Index: index + i, ElemID: e.ID, Value: p, Link: link})
	}
	return nil
}

// Insert places a scalar at index of a list or text
func (tx *Tx) Insert(obj ObjID, index int, v any) error {
	if o := tx.object(obj); o != nil && o.Type == TypeText {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: text elements hold single characters", ErrTypeMismatch)
		}
		return tx.insert(obj, index, []value{{Raw: s}})
	}
	raw, err := encode(v)
	if err != nil {
		return err
	}
	return tx.insert(obj, index, []value{{Raw: raw}})
}

// InsertLink places a reference to child at index of a list
func (tx *Tx) InsertLink(obj ObjID, index int, child ObjID) error {
	return tx.insert(obj, index, []value{{Link: child}})
}

// InsertText inserts s at index of a text object
func (tx *Tx) InsertText(obj ObjID, index int, s string) error {
	if s == "" {
		if _, err := tx.sequence(obj); err != nil {
			return err
		}
		return nil
	}
	vals := make([]value, 0, len(s))
	for _, r := range s {
		vals = append(vals, value{Raw: string(r)})
	}
	return tx.insert(obj, index, vals)
}

// Remove deletes the element at index of a list or text
func (tx *Tx) Remove(obj ObjID, index int) error {
	return tx.RemoveText(obj, index, 1)
}

// RemoveText deletes n elements starting at index of a list or text
func (tx *Tx) RemoveText(obj ObjID, index, n int) error {
	o, err := tx.sequence(obj)
	if err != nil {
		return err
	}
	if index < 0 || n < 0 || index+n > len(o.Elems) {
		return fmt.Errorf("%w: %d+%d in %s", ErrOutOfRange, index, n, obj)
	}
	removed := append([]elem(nil), o.Elems[index:index+n]...)
	o.Elems = append(o.Elems[:index], o.Elems[index+n:]...)
	for _, e := range removed {
		tx.detach(e.Val, obj, e.ID)
		p, link := e.Val.plain(o.Type)
		tx.emit(obj, o.Type, Diff{Action: DiffRemove, Index: index, ElemID: e.ID, Value: p, Link: link})
	}
	return nil
}

// Build creates objects for a composite value and returns what to store in its
// place: the ObjID of the new object (link true) or the scalar itself.
func (tx *Tx) Build(v any) (any, bool, error) {
	switch t := v.(type) {
	case map[string]any:
		obj, err := tx.MakeMap()
		if err != nil {
			return nil, false, err
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := tx.SetValue(obj, k, t[k]); err != nil {
				return nil, false, err
			}
		}
		return obj, true, nil
	case []any:
		obj, err := tx.MakeList()
		if err != nil {
			return nil, false, err
		}
		for i, item := range t {
			if err := tx.InsertValue(obj, i, item); err != nil {
				return nil, false, err
			}
		}
		return obj, true, nil
	case string, bool, float64, nil:
		return v, false, nil
	}

	// named maps and slices, as decoded from config files
	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return tx.Build(m)
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return tx.Build(items)
	}
	return v, false, nil
}

// SetValue writes any JSON value to a map key, creating nested objects as needed
func (tx *Tx) SetValue(obj ObjID, key string, v any) error {
	built, link, err := tx.Build(v)
	if err != nil {
		return err
	}
	if link {
		return tx.SetLink(obj, key, built.(ObjID))
	}
	return tx.Set(obj, key, built)
}

// InsertValue places any JSON value at index of a list
func (tx *Tx) InsertValue(obj ObjID, index int, v any) error {
	built, link, err := tx.Build(v)
	if err != nil {
		return err
	}
	if link {
		return tx.InsertLink(obj, index, built.(ObjID))
	}
	return tx.Insert(obj, index, built)
}

func (tx *Tx) Type(obj ObjID) (ObjType, bool) { return typeOf(tx, obj) }

func (tx *Tx) Get(obj ObjID, key string) (any, bool, bool) { return get(tx, obj, key) }

func (tx *Tx) Keys(obj ObjID) []string { return keys(tx, obj) }

func (tx *Tx) Len(obj ObjID) int { return length(tx, obj) }

func (tx *Tx) At(obj ObjID, index int) (any, bool, bool) { return at(tx, obj, index) }

func (tx *Tx) Text(obj ObjID) string { return text(tx, obj) }

func (tx *Tx) Materialize(obj ObjID) any { return materialize(tx, obj, 0) }
