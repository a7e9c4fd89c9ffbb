package bridge

import (
	"fmt"
	"log"
	"unicode/utf8"

	"gihan9a/collabsync/internal/crdt"
	"gihan9a/collabsync/pkg/editorproto"
)

// Scratch values for objects created inside the batch being converted
type (
	scratchList struct{ items []any }
	scratchText struct{ runes []rune }
)

// converter carries the state of one Convert call
type converter struct {
	doc     *crdt.Doc
	scratch map[crdt.ObjID]any // map[string]any, *scratchList or *scratchText
	ops     []editorproto.Operation
}

// Convert turns the diff of one change back into editor operations. Entries
// are processed in order; an entry that cannot be converted is logged and
// skipped, and the skipped entries are reported through a *PartialError
// returned next to the operations converted from the rest.
func Convert(diffs []crdt.Diff, doc *crdt.Doc) ([]editorproto.Operation, error) {
	c := &converter{doc: doc, scratch: make(map[crdt.ObjID]any)}
	var partial *PartialError
	for _, d := range diffs {
		if err := c.convert(d); err != nil {
			log.Printf("Skipping diff entry: %v", err)
			if partial == nil {
				partial = &PartialError{Total: len(diffs)}
			}
			partial.Skipped = append(partial.Skipped, &TranslationError{Diff: d, Reason: err.Error()})
		}
	}
	ops := coalesce(c.ops)
	if partial != nil {
		return ops, partial
	}
	return ops, nil
}

func (c *converter) convert(d crdt.Diff) error {
	if d.Action == crdt.DiffCreate {
		switch d.Type {
		case crdt.TypeMap:
			c.scratch[d.Obj] = map[string]any{}
		case crdt.TypeList:
			c.scratch[d.Obj] = &scratchList{}
		case crdt.TypeText:
			c.scratch[d.Obj] = &scratchText{}
		default:
			return fmt.Errorf("unknown object type %q", d.Type)
		}
		return nil
	}
	if s, ok := c.scratch[d.Obj]; ok {
		if err := c.record(s, d); err != nil || !d.Attached() {
			return err
		}
		// made in this change and already linked: peers got the earlier
		// state with the insert, so later edits go out as operations too
	} else if !d.Attached() {
		return fmt.Errorf("object is neither attached nor created in this change")
	}

	path, rest, err := treePath(d.Path)
	if err != nil {
		return err
	}
	switch {
	case len(rest) == 0 && d.Type == crdt.TypeMap:
		return c.nodeField(path, d)
	case len(rest) == 1 && rest[0] == keyChildren:
		return c.childEdit(path, d)
	case len(rest) == 1 && rest[0] == keyText:
		return c.textEdit(path, d)
	case len(rest) > 0 && len(path) > 0:
		if key, ok := rest[0].(string); ok {
			return c.nestedField(path, key, d)
		}
	}
	return fmt.Errorf("unsupported location %v", d.Path)
}

// treePath splits a CRDT path into the editor path of the deepest node it
// crosses and the remainder below that node
func treePath(p []any) (editorproto.Path, []any, error) {
	path := editorproto.Path{}
	i := 0
	for i+1 < len(p) {
		if k, ok := p[i].(string); !ok || k != keyChildren {
			break
		}
		n, ok := p[i+1].(int)
		if !ok {
			return nil, nil, fmt.Errorf("bad index %v in %v", p[i+1], p)
		}
		path = append(path, n)
		i += 2
	}
	return path, p[i:], nil
}

// value resolves a diff value, following links into scratch or the document
func (c *converter) value(v any, link bool) (any, error) {
	if !link {
		return v, nil
	}
	id, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("bad link %v", v)
	}
	if s, ok := c.scratch[crdt.ObjID(id)]; ok {
		return s, nil
	}
	if _, ok := c.doc.Type(crdt.ObjID(id)); ok {
		return c.doc.Materialize(crdt.ObjID(id)), nil
	}
	return nil, fmt.Errorf("unknown linked object %s", id)
}

// record updates scratch bookkeeping without emitting anything
func (c *converter) record(s any, d crdt.Diff) error {
	v, err := c.value(d.Value, d.Link)
	if err != nil && d.Action != crdt.DiffRemove {
		return err
	}
	switch s := s.(type) {
	case map[string]any:
		switch d.Action {
		case crdt.DiffSet:
			s[d.Key] = v
		case crdt.DiffRemove:
			delete(s, d.Key)
		default:
			return fmt.Errorf("%s on a map", d.Action)
		}
	case *scratchList:
		if d.Index < 0 || d.Index > len(s.items) || (d.Action != crdt.DiffInsert && d.Index == len(s.items)) {
			return fmt.Errorf("index %d out of range", d.Index)
		}
		switch d.Action {
		case crdt.DiffInsert:
			s.items = append(s.items, nil)
			copy(s.items[d.Index+1:], s.items[d.Index:])
			s.items[d.Index] = v
		case crdt.DiffRemove:
			s.items = append(s.items[:d.Index], s.items[d.Index+1:]...)
		case crdt.DiffSet:
			s.items[d.Index] = v
		}
	case *scratchText:
		if d.Index < 0 || d.Index > len(s.runes) || (d.Action != crdt.DiffInsert && d.Index == len(s.runes)) {
			return fmt.Errorf("index %d out of range", d.Index)
		}
		switch d.Action {
		case crdt.DiffInsert:
			ch, _ := v.(string)
			r, _ := utf8.DecodeRuneInString(ch)
			s.runes = append(s.runes, 0)
			copy(s.runes[d.Index+1:], s.runes[d.Index:])
			s.runes[d.Index] = r
		case crdt.DiffRemove:
			s.runes = append(s.runes[:d.Index], s.runes[d.Index+1:]...)
		default:
			return fmt.Errorf("%s on text", d.Action)
		}
	}
	return nil
}

// plain turns scratch containers into editor values
func plain(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = plain(item)
		}
		return out
	case *scratchList:
		out := make([]any, len(t.items))
		for i, item := range t.items {
			out[i] = plain(item)
		}
		return out
	case *scratchText:
		return string(t.runes)
	}
	return v
}

// setByKey holds the keys whose updates synthesize a set_node with a whole-value payload
var setByKey = map[string]func(path editorproto.Path, value any) editorproto.Operation{
	keyData: func(path editorproto.Path, value any) editorproto.Operation {
		return editorproto.Operation{
			Type:          editorproto.SetNode,
			Path:          path,
			Properties:    map[string]any{},
			NewProperties: map[string]any{keyData: value},
		}
	},
}

// nodeField handles a property write on a node map
func (c *converter) nodeField(path editorproto.Path, d crdt.Diff) error {
	if len(path) == 0 {
		return fmt.Errorf("root property %q", d.Key)
	}
	if d.Key == keyChildren || d.Key == keyText {
		return fmt.Errorf("relinking %q is not an editor operation", d.Key)
	}
	if d.Action == crdt.DiffRemove {
		c.emit(editorproto.Operation{
			Type:          editorproto.SetNode,
			Path:          path,
			Properties:    map[string]any{d.Key: nil},
			NewProperties: map[string]any{},
		})
		return nil
	}
	v, err := c.value(d.Value, d.Link)
	if err != nil {
		return err
	}
	if set, ok := setByKey[d.Key]; ok {
		c.emit(set(path, plain(v)))
		return nil
	}
	c.emit(editorproto.Operation{
		Type:          editorproto.SetNode,
		Path:          path,
		Properties:    map[string]any{},
		NewProperties: map[string]any{d.Key: plain(v)},
	})
	return nil
}

// nestedField handles an edit below a composite property such as data
func (c *converter) nestedField(path editorproto.Path, key string, d crdt.Diff) error {
	node, err := resolve(c.doc, editorproto.Operation{Type: editorproto.SetNode}, path)
	if err != nil {
		return err
	}
	v, link, ok := c.doc.Get(node, key)
	if !ok {
		return fmt.Errorf("property %q no longer exists", key)
	}
	if link {
		v = c.doc.Materialize(v.(crdt.ObjID))
	}
	if set, ok := setByKey[key]; ok {
		c.emit(set(path, v))
		return nil
	}
	c.emit(editorproto.Operation{
		Type:          editorproto.SetNode,
		Path:          path,
		Properties:    map[string]any{},
		NewProperties: map[string]any{key: v},
	})
	return nil
}

// childEdit handles an insert or remove on a children list
func (c *converter) childEdit(parent editorproto.Path, d crdt.Diff) error {
	path := append(parent.Clone(), d.Index)
	switch d.Action {
	case crdt.DiffInsert:
		v, err := c.value(d.Value, d.Link)
		if err != nil {
			return err
		}
		node, ok := plain(v).(map[string]any)
		if !ok {
			return fmt.Errorf("inserted child is not a node")
		}
		c.emit(editorproto.Operation{Type: editorproto.InsertNode, Path: path, Node: node})
	case crdt.DiffRemove:
		// the removed subtree is detached but still readable
		var node editorproto.Node
		if v, err := c.value(d.Value, d.Link); err == nil {
			node, _ = plain(v).(map[string]any)
		}
		c.emit(editorproto.Operation{Type: editorproto.RemoveNode, Path: path, Node: node})
	default:
		return fmt.Errorf("%s on a children list", d.Action)
	}
	return nil
}

// textEdit handles a character insert or remove on a text node
func (c *converter) textEdit(path editorproto.Path, d crdt.Diff) error {
	ch, ok := d.Value.(string)
	if !ok {
		return fmt.Errorf("text element is not a character")
	}
	switch d.Action {
	case crdt.DiffInsert:
		c.emit(editorproto.Operation{Type: editorproto.InsertText, Path: path, Offset: d.Index, Text: ch})
	case crdt.DiffRemove:
		c.emit(editorproto.Operation{Type: editorproto.RemoveText, Path: path, Offset: d.Index, Text: ch})
	default:
		return fmt.Errorf("%s on text", d.Action)
	}
	return nil
}

func (c *converter) emit(op editorproto.Operation) {
	c.ops = append(c.ops, op)
}

// coalesce merges runs of single-character text edits on the same node
func coalesce(ops []editorproto.Operation) []editorproto.Operation {
	var out []editorproto.Operation
	for _, op := range ops {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Type == op.Type && last.Path.Equal(op.Path) {
				switch {
				case op.Type == editorproto.InsertText && op.Offset == last.Offset+utf8.RuneCountInString(last.Text):
					last.Text += op.Text
					continue
				case op.Type == editorproto.RemoveText && op.Offset == last.Offset:
					last.Text += op.Text
					continue
				}
			}
		}
		out = append(out, op)
	}
	return out
}
