package crdt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	deepcrdt "github.com/brunoga/deep/v3/crdt"
	"github.com/google/uuid"
)

// edit is the part of a Change that concerns one object
type edit struct {
	obj    ObjID
	create ObjType // set when the change made obj
	// nil when the change only made the object
	apply func(r *deepcrdt.CRDT[object])
}

type parentRef struct {
	obj ObjID
	key string // map key or element id
}

// Doc is one replica of a document. Each object is its own merge-engine
// replica, so an edit only ever copies the objects it touches. A Doc is not
// safe for concurrent use; callers serialize access to it.
type Doc struct {
	actor    string
	maxOp    uint64
	clock    map[string]uint64 // highest applied seq per actor
	replicas map[ObjID]*deepcrdt.CRDT[object]
	views    map[ObjID]*object
	parents  map[ObjID]parentRef
	history  []Change
}

// New returns an empty document with a root map. An empty actor gets a random one.
func New(actor string) *Doc {
	if actor == "" {
		actor = uuid.NewString()
	}
	d := &Doc{
		actor:    actor,
		clock:    make(map[string]uint64),
		replicas: make(map[ObjID]*deepcrdt.CRDT[object]),
		views:    make(map[ObjID]*object),
		parents:  make(map[ObjID]parentRef),
	}
	d.adopt(Root, newObject(TypeMap))
	return d
}

// adopt starts a replica for obj from a known state
func (d *Doc) adopt(id ObjID, o *object) {
	d.replicas[id] = deepcrdt.NewCRDT(*o.clone(), d.actor)
	d.views[id] = o
}

type savedDoc struct {
	MaxOp   uint64            `json:"maxOp"`
	Clock   map[string]uint64 `json:"clock,omitempty"`
	Objects map[ObjID]*object `json:"objects"`
}

// Load rebuilds a document from the output of Save
func Load(data []byte, actor string) (*Doc, error) {
	var s savedDoc
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("error decoding document: %w", err)
	}
	root, ok := s.Objects[Root]
	if !ok || root.Type != TypeMap {
		return nil, fmt.Errorf("error decoding document: %w: no root map", ErrUnknownObject)
	}
	d := New(actor)
	d.maxOp = s.MaxOp
	for a, seq := range s.Clock {
		d.clock[a] = seq
	}
	for id, o := range s.Objects {
		if o.Type == TypeMap && o.Keys == nil {
			o.Keys = make(map[string]value)
		}
		d.adopt(id, o)
	}
	for id, o := range d.views {
		for child, key := range o.links() {
			if _, ok := d.views[child]; !ok {
				return nil, fmt.Errorf("error decoding document: %w: %s links to %s", ErrUnknownObject, id, child)
			}
			d.parents[child] = parentRef{obj: id, key: key}
		}
	}
	return d, nil
}

// Save serializes the objects reachable from the root along with the clock.
// The change history is not kept.
func (d *Doc) Save() ([]byte, error) {
	s := savedDoc{MaxOp: d.maxOp, Clock: d.clock, Objects: make(map[ObjID]*object)}
	stack := []ObjID{Root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		o := d.views[id]
		if o == nil || s.Objects[id] != nil {
			continue
		}
		s.Objects[id] = o
		for child := range o.links() {
			stack = append(stack, child)
		}
	}
	return json.Marshal(s)
}

func (d *Doc) Actor() string {
	return d.actor
}

// Fork returns an independent replica with the same state under another actor
func (d *Doc) Fork(actor string) *Doc {
	data, err := d.Save()
	if err != nil {
		panic(fmt.Sprintf("crdt: saving document for fork: %v", err))
	}
	f, err := Load(data, actor)
	if err != nil {
		panic(fmt.Sprintf("crdt: loading forked document: %v", err))
	}
	return f
}

// Clock returns a copy of the highest applied seq per actor
func (d *Doc) Clock() map[string]uint64 {
	c := make(map[string]uint64, len(d.clock))
	for a, s := range d.clock {
		c[a] = s
	}
	return c
}

// ChangesSince returns the changes this replica applied that clock does not cover, in order
func (d *Doc) ChangesSince(clock map[string]uint64) []Change {
	var out []Change
	for _, ch := range d.history {
		if ch.Seq > clock[ch.Actor] {
			out = append(out, ch)
		}
	}
	return out
}

// Change runs fn inside one local transaction. Either everything fn did is
// committed as a single Change or, when fn fails, none of it is.
func (d *Doc) Change(fn func(tx *Tx) error) ([]Diff, error) {
	tx := &Tx{
		doc:     d,
		next:    d.maxOp + 1,
		staged:  make(map[ObjID]*object),
		parents: make(map[ObjID]*parentRef),
	}
	if err := fn(tx); err != nil {
		return nil, err
	}

	ch := Change{Actor: d.actor, Seq: d.clock[d.actor] + 1}
	for _, id := range tx.touched {
		next := tx.staged[id]
		e := edit{obj: id}
		base, exists := d.views[id]
		if !exists {
			e.create = next.Type
			base = newObject(next.Type)
			d.replicas[id] = deepcrdt.NewCRDT(*base.clone(), d.actor)
		}
		if !reflect.DeepEqual(base, next) {
			state := next.clone()
			delta := d.replicas[id].Edit(func(o *object) { *o = *state })
			e.apply = func(r *deepcrdt.CRDT[object]) { r.ApplyDelta(delta) }
		} else if exists {
			continue
		}
		ch.edits = append(ch.edits, e)
		d.views[id] = next
	}
	for id, p := range tx.parents {
		if p == nil {
			delete(d.parents, id)
		} else {
			d.parents[id] = *p
		}
	}
	if tx.next-1 > d.maxOp {
		d.maxOp = tx.next - 1
	}
	if len(ch.edits) == 0 {
		return tx.diffs, nil
	}
	ch.MaxOp = d.maxOp
	d.clock[d.actor] = ch.Seq
	d.history = append(d.history, ch)
	return tx.diffs, nil
}

// ApplyChanges applies changes received from another replica. Changes this
// replica already has are skipped. A change whose predecessor from the same
// actor is missing fails with ErrMissingChange; the changes before it stay applied.
func (d *Doc) ApplyChanges(changes []Change) ([]Diff, error) {
	var diffs []Diff
	for _, ch := range changes {
		if ch.Seq <= d.clock[ch.Actor] {
			continue
		}
		if ch.Seq != d.clock[ch.Actor]+1 {
			return diffs, fmt.Errorf("%w: %s/%d after %d", ErrMissingChange, ch.Actor, ch.Seq, d.clock[ch.Actor])
		}
		ds, err := d.applyChange(ch)
		if err != nil {
			return diffs, fmt.Errorf("change %s/%d: %w", ch.Actor, ch.Seq, err)
		}
		diffs = append(diffs, ds...)
	}
	return diffs, nil
}

// DiffDocs returns the diff entries produced by applying to from the changes
// that to has and from lacks. from itself is left as it is.
func DiffDocs(from, to *Doc) ([]Diff, error) {
	return from.Fork("").ApplyChanges(to.ChangesSince(from.clock))
}

func (d *Doc) applyChange(ch Change) ([]Diff, error) {
	for _, e := range ch.edits {
		if e.create == "" && d.replicas[e.obj] == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownObject, e.obj)
		}
	}

	// objects made by the change come first, so links to them resolve
	var diffs []Diff
	for _, e := range ch.edits {
		if e.create == "" {
			continue
		}
		if _, exists := d.replicas[e.obj]; !exists {
			d.adopt(e.obj, newObject(e.create))
			diffs = append(diffs, Diff{Action: DiffCreate, Type: e.create, Obj: e.obj})
		}
	}
	for _, e := range ch.edits {
		if e.create == "" {
			continue
		}
		diffs = append(diffs, d.applyEdit(e)...)
	}
	for _, e := range ch.edits {
		if e.create == "" {
			diffs = append(diffs, d.applyEdit(e)...)
		}
	}

	d.clock[ch.Actor] = ch.Seq
	if ch.MaxOp > d.maxOp {
		d.maxOp = ch.MaxOp
	}
	d.history = append(d.history, ch)
	return diffs, nil
}

// applyEdit merges one object delta and reports what changed in it
func (d *Doc) applyEdit(e edit) []Diff {
	if e.apply == nil {
		return nil
	}
	r := d.replicas[e.obj]
	old := d.views[e.obj]
	e.apply(r)
	view := r.View()
	next := view.clone()
	if next.Type == TypeMap && next.Keys == nil {
		next.Keys = make(map[string]value)
	}
	d.views[e.obj] = next

	path := d.pathOf(e.obj)
	diffs := changes(old, next)
	for i := range diffs {
		diffs[i].Type = next.Type
		diffs[i].Obj = e.obj
		diffs[i].Path = path
	}

	was, now := old.links(), next.links()
	for child, key := range was {
		if p, ok := d.parents[child]; ok && p.obj == e.obj && p.key == key && now[child] != key {
			delete(d.parents, child)
		}
	}
	for child, key := range now {
		d.parents[child] = parentRef{obj: e.obj, key: key}
	}
	return diffs
}

// reads are shared by Doc and Tx
type state interface {
	object(id ObjID) *object
	parentOf(id ObjID) (parentRef, bool)
}

func (d *Doc) object(id ObjID) *object {
	return d.views[id]
}

func (d *Doc) parentOf(id ObjID) (parentRef, bool) {
	p, ok := d.parents[id]
	return p, ok
}

// pathOf walks parent links up to the root. It returns nil for detached objects.
func pathOf(s state, id ObjID) []any {
	var rev []any
	for steps := 0; id != Root; steps++ {
		p, ok := s.parentOf(id)
		if !ok || steps > 1<<16 {
			return nil
		}
		po := s.object(p.obj)
		if po == nil {
			return nil
		}
		if po.Type == TypeMap {
			if v, ok := po.Keys[p.key]; !ok || v.Link != id {
				return nil
			}
			rev = append(rev, p.key)
		} else {
			i := po.index(p.key)
			if i < 0 || po.Elems[i].Val.Link != id {
				return nil
			}
			rev = append(rev, i)
		}
		id = p.obj
	}
	path := make([]any, len(rev))
	for i, v := range rev {
		path[len(rev)-1-i] = v
	}
	return path
}

func (d *Doc) pathOf(id ObjID) []any {
	return pathOf(d, id)
}

func typeOf(s state, obj ObjID) (ObjType, bool) {
	o := s.object(obj)
	if o == nil {
		return "", false
	}
	return o.Type, true
}

func get(s state, obj ObjID, key string) (any, bool, bool) {
	o := s.object(obj)
	if o == nil || o.Type != TypeMap {
		return nil, false, false
	}
	v, ok := o.Keys[key]
	if !ok {
		return nil, false, false
	}
	if v.Link != "" {
		return v.Link, true, true
	}
	return decode(v.Raw), false, true
}

func keys(s state, obj ObjID) []string {
	o := s.object(obj)
	if o == nil || o.Type != TypeMap {
		return nil
	}
	out := make([]string, 0, len(o.Keys))
	for k := range o.Keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func length(s state, obj ObjID) int {
	o := s.object(obj)
	if o == nil || !o.isSequence() {
		return 0
	}
	return len(o.Elems)
}

func at(s state, obj ObjID, index int) (any, bool, bool) {
	o := s.object(obj)
	if o == nil || !o.isSequence() || index < 0 || index >= len(o.Elems) {
		return nil, false, false
	}
	v := o.Elems[index].Val
	if v.Link != "" {
		return v.Link, true, true
	}
	p, _ := v.plain(o.Type)
	return p, false, true
}

func text(s state, obj ObjID) string {
	o := s.object(obj)
	if o == nil || o.Type != TypeText {
		return ""
	}
	var b []byte
	for _, e := range o.Elems {
		b = append(b, e.Val.Raw...)
	}
	return string(b)
}

func materialize(s state, obj ObjID, depth int) any {
	o := s.object(obj)
	if o == nil || depth > 1<<16 {
		return nil
	}
	resolve := func(v value) any {
		if v.Link != "" {
			return materialize(s, v.Link, depth+1)
		}
		return decode(v.Raw)
	}
	switch o.Type {
	case TypeText:
		return text(s, obj)
	case TypeList:
		out := make([]any, 0, len(o.Elems))
		for _, e := range o.Elems {
			out = append(out, resolve(e.Val))
		}
		return out
	}
	out := make(map[string]any, len(o.Keys))
	for k, v := range o.Keys {
		out[k] = resolve(v)
	}
	return out
}

// Type returns the type of obj
func (d *Doc) Type(obj ObjID) (ObjType, bool) { return typeOf(d, obj) }

// Get returns the value of a map key. Linked values come back as ObjID.
func (d *Doc) Get(obj ObjID, key string) (v any, link bool, ok bool) { return get(d, obj, key) }

// Keys returns the keys of a map in sorted order
func (d *Doc) Keys(obj ObjID) []string { return keys(d, obj) }

// Len returns the number of elements of a list or text
func (d *Doc) Len(obj ObjID) int { return length(d, obj) }

// At returns the index-th element of a list or text
func (d *Doc) At(obj ObjID, index int) (v any, link bool, ok bool) { return at(d, obj, index) }

// Text returns the content of a text object
func (d *Doc) Text(obj ObjID) string { return text(d, obj) }

// Materialize renders obj as plain values: maps as map[string]any, lists as []any
// and text as string. It works on detached objects too.
func (d *Doc) Materialize(obj ObjID) any { return materialize(d, obj, 0) }
