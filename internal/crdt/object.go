package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// value is a map entry or list slot: a scalar or a link to another object.
// Scalars are kept JSON-encoded in Raw, except in text objects where Raw is
// the element's character.
type value struct {
	Raw  string `json:"raw,omitempty"`
	Link ObjID  `json:"link,omitempty"`
}

type elem struct {
	ID  string `json:"id" deep:"key"`
	Val value  `json:"val"`
}

// object is the state one replica of the merge engine holds. Elements are
// keyed by id so concurrent inserts and removals reconcile by identity.
type object struct {
	Type  ObjType          `json:"type"`
	Keys  map[string]value `json:"keys,omitempty"`
	Elems []elem           `json:"elems,omitempty" deep:"key"`
}

func newObject(typ ObjType) *object {
	o := &object{Type: typ}
	if typ == TypeMap {
		o.Keys = make(map[string]value)
	}
	return o
}

func (o *object) clone() *object {
	c := &object{Type: o.Type}
	if o.Keys != nil {
		c.Keys = make(map[string]value, len(o.Keys))
		for k, v := range o.Keys {
			c.Keys[k] = v
		}
	}
	if o.Elems != nil {
		c.Elems = append([]elem(nil), o.Elems...)
	}
	return c
}

func (o *object) isSequence() bool {
	return o.Type == TypeList || o.Type == TypeText
}

// index returns the position of the element with the given id
func (o *object) index(id string) int {
	for i, e := range o.Elems {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// links returns where o points at other objects, keyed by child
func (o *object) links() map[ObjID]string {
	out := make(map[ObjID]string)
	for k, v := range o.Keys {
		if v.Link != "" {
			out[v.Link] = k
		}
	}
	for _, e := range o.Elems {
		if e.Val.Link != "" {
			out[e.Val.Link] = e.ID
		}
	}
	return out
}

func encode(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedValue, err)
	}
	return string(buf), nil
}

func decode(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

// plain returns what a diff carries for v inside an object of type typ
func (v value) plain(typ ObjType) (any, bool) {
	switch {
	case v.Link != "":
		return string(v.Link), true
	case typ == TypeText:
		return v.Raw, false
	}
	return decode(v.Raw), false
}

// changes lists the primitive edits turning old into next. Read in order,
// every index refers to the sequence as left by the entries before it.
func changes(old, next *object) []Diff {
	var out []Diff
	if old.Type == TypeMap {
		keys := make([]string, 0, len(old.Keys)+len(next.Keys))
		for k := range old.Keys {
			keys = append(keys, k)
		}
		for k := range next.Keys {
			if _, ok := old.Keys[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			was, had := old.Keys[k]
			now, has := next.Keys[k]
			switch {
			case had && !has:
				v, link := was.plain(TypeMap)
				out = append(out, Diff{Action: DiffRemove, Key: k, Value: v, Link: link})
			case !had || was != now:
				v, link := now.plain(TypeMap)
				out = append(out, Diff{Action: DiffSet, Key: k, Value: v, Link: link})
			}
		}
		return out
	}

	keep := make(map[string]bool, len(next.Elems))
	for _, e := range next.Elems {
		keep[e.ID] = true
	}
	cur := make([]elem, 0, len(old.Elems))
	for i := len(old.Elems) - 1; i >= 0; i-- {
		e := old.Elems[i]
		if keep[e.ID] {
			continue
		}
		v, link := e.Val.plain(old.Type)
		out = append(out, Diff{Action: DiffRemove, Index: i, ElemID: e.ID, Value: v, Link: link})
	}
	for _, e := range old.Elems {
		if keep[e.ID] {
			cur = append(cur, e)
		}
	}
	present := make(map[string]bool, len(cur))
	for _, e := range cur {
		present[e.ID] = true
	}

	for i, e := range next.Elems {
		if i < len(cur) && cur[i].ID == e.ID {
			if cur[i].Val != e.Val {
				v, link := e.Val.plain(next.Type)
				out = append(out, Diff{Action: DiffSet, Index: i, ElemID: e.ID, Value: v, Link: link})
				cur[i] = e
			}
			continue
		}
		if present[e.ID] {
			// reordered: take it out of its old slot first
			j := i
			for cur[j].ID != e.ID {
				j++
			}
			v, link := cur[j].Val.plain(old.Type)
			out = append(out, Diff{Action: DiffRemove, Index: j, ElemID: e.ID, Value: v, Link: link})
			cur = append(cur[:j], cur[j+1:]...)
		}
		v, link := e.Val.plain(next.Type)
		out = append(out, Diff{Action: DiffInsert, Index: i, ElemID: e.ID, Value: v, Link: link})
		cur = append(cur, elem{})
		copy(cur[i+1:], cur[i:])
		cur[i] = e
		present[e.ID] = true
	}
	return out
}
