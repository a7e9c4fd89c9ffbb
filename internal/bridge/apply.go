package bridge

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"gihan9a/collabsync/internal/crdt"
	"gihan9a/collabsync/pkg/editorproto"
)

// ApplyAll applies ops to doc as one causal change and returns the diff it produced.
// If any operation fails the document is left untouched.
func ApplyAll(doc *crdt.Doc, ops []editorproto.Operation) ([]crdt.Diff, error) {
	return doc.Change(func(tx *crdt.Tx) error {
		for _, op := range ops {
			if err := Apply(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

// Apply expresses one editor operation as CRDT ops inside tx
func Apply(tx *crdt.Tx, op editorproto.Operation) error {
	switch op.Type {
	case editorproto.InsertNode:
		return insertNode(tx, op)
	case editorproto.RemoveNode:
		return removeNode(tx, op)
	case editorproto.SetNode:
		return setNode(tx, op)
	case editorproto.SplitNode:
		return splitNode(tx, op)
	case editorproto.MergeNode:
		return mergeNode(tx, op)
	case editorproto.MoveNode:
		return moveNode(tx, op)
	case editorproto.InsertText:
		return insertText(tx, op)
	case editorproto.RemoveText:
		return removeText(tx, op)
	case editorproto.SetSelection:
		// selections live outside the document
		return nil
	}
	return fmt.Errorf("unknown operation type %q", op.Type)
}

// insertBuilt builds node and links it at index of list
func insertBuilt(tx *crdt.Tx, op editorproto.Operation, path editorproto.Path, list crdt.ObjID, index int, node map[string]any) error {
	if index < 0 || index > tx.Len(list) {
		return structural(InvalidPath, op, path, "index %d out of range", index)
	}
	obj, err := buildNode(tx, node)
	if err != nil {
		return structural(TypeMismatch, op, path, "%v", err)
	}
	return tx.InsertLink(list, index, obj)
}

func insertNode(tx *crdt.Tx, op editorproto.Operation) error {
	list, index, err := resolveParent(tx, op, op.Path)
	if err != nil {
		return err
	}
	if op.Node == nil {
		return structural(TypeMismatch, op, op.Path, "missing node")
	}
	return insertBuilt(tx, op, op.Path, list, index, op.Node)
}

// takeNode removes the node at path and returns its rendered content
func takeNode(tx *crdt.Tx, op editorproto.Operation, path editorproto.Path) (map[string]any, error) {
	list, index, err := resolveParent(tx, op, path)
	if err != nil {
		return nil, err
	}
	v, link, ok := tx.At(list, index)
	if !ok || !link {
		return nil, structural(InvalidPath, op, path, "no node at index %d", index)
	}
	node, _ := tx.Materialize(v.(crdt.ObjID)).(map[string]any)
	if err := tx.Remove(list, index); err != nil {
		return nil, err
	}
	return node, nil
}

func removeNode(tx *crdt.Tx, op editorproto.Operation) error {
	_, err := takeNode(tx, op, op.Path)
	return err
}

func setNode(tx *crdt.Tx, op editorproto.Operation) error {
	if len(op.Path) == 0 {
		return structural(InvalidPath, op, op.Path, "cannot set properties on the root")
	}
	node, err := resolve(tx, op, op.Path)
	if err != nil {
		return err
	}
	for k := range op.NewProperties {
		if k == keyChildren || k == keyText {
			return structural(TypeMismatch, op, op.Path, "cannot set %q", k)
		}
	}

	keys := make([]string, 0, len(op.NewProperties))
	for k := range op.NewProperties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := op.NewProperties[k]
		if v == nil {
			if err := deleteKey(tx, node, k); err != nil {
				return err
			}
			continue
		}
		if err := tx.SetValue(node, k, v); err != nil {
			return err
		}
	}

	// properties that are absent from newProperties are unset
	removed := make([]string, 0, len(op.Properties))
	for k := range op.Properties {
		if _, kept := op.NewProperties[k]; !kept && k != keyChildren && k != keyText {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		if err := deleteKey(tx, node, k); err != nil {
			return err
		}
	}
	return nil
}

func deleteKey(tx *crdt.Tx, node crdt.ObjID, key string) error {
	if _, _, ok := tx.Get(node, key); !ok {
		return nil
	}
	return tx.Delete(node, key)
}

// withProperties copies props without the structural keys
func withProperties(props map[string]any) map[string]any {
	n := make(map[string]any, len(props)+1)
	for k, v := range props {
		if k != keyChildren && k != keyText {
			n[k] = v
		}
	}
	return n
}

func splitNode(tx *crdt.Tx, op editorproto.Operation) error {
	list, index, err := resolveParent(tx, op, op.Path)
	if err != nil {
		return err
	}
	node, err := resolve(tx, op, op.Path)
	if err != nil {
		return err
	}
	next := withProperties(op.Properties)

	if text, ok := textOf(tx, node); ok {
		runes := []rune(tx.Text(text))
		if op.Position < 0 || op.Position > len(runes) {
			return structural(InvalidPath, op, op.Path, "position %d out of range", op.Position)
		}
		if err := tx.RemoveText(text, op.Position, len(runes)-op.Position); err != nil {
			return err
		}
		next[keyText] = string(runes[op.Position:])
		return insertBuilt(tx, op, op.Path, list, index+1, next)
	}

	children, ok, _ := childList(tx, node)
	if !ok {
		return structural(TypeMismatch, op, op.Path, "node has neither text nor children")
	}
	n := tx.Len(children)
	if op.Position < 0 || op.Position > n {
		return structural(InvalidPath, op, op.Path, "position %d out of range", op.Position)
	}
	items, _ := tx.Materialize(children).([]any)
	for i := op.Position; i < n; i++ {
		if err := tx.Remove(children, op.Position); err != nil {
			return err
		}
	}
	next[keyChildren] = items[op.Position:]
	return insertBuilt(tx, op, op.Path, list, index+1, next)
}

func mergeNode(tx *crdt.Tx, op editorproto.Operation) error {
	if len(op.Path) == 0 || op.Path.Last() == 0 {
		return structural(InvalidPath, op, op.Path, "node has no previous sibling")
	}
	prev, err := resolve(tx, op, op.Path.Previous())
	if err != nil {
		return err
	}
	node, err := resolve(tx, op, op.Path)
	if err != nil {
		return err
	}

	prevText, prevIsText := textOf(tx, prev)
	nodeText, nodeIsText := textOf(tx, node)
	switch {
	case prevIsText && nodeIsText:
		if err := tx.InsertText(prevText, tx.Len(prevText), tx.Text(nodeText)); err != nil {
			return err
		}
	case !prevIsText && !nodeIsText:
		into, ok, _ := childList(tx, prev)
		from, ok2, _ := childList(tx, node)
		if !ok || !ok2 {
			return structural(TypeMismatch, op, op.Path, "cannot merge nodes without children")
		}
		items, _ := tx.Materialize(from).([]any)
		for _, item := range items {
			child, _ := asMap(item)
			if err := insertBuilt(tx, op, op.Path, into, tx.Len(into), child); err != nil {
				return err
			}
		}
	default:
		return structural(TypeMismatch, op, op.Path, "cannot merge a text node with an element")
	}

	_, err = takeNode(tx, op, op.Path)
	return err
}

func moveNode(tx *crdt.Tx, op editorproto.Operation) error {
	if op.Path.Equal(op.NewPath) {
		return nil
	}
	if op.Path.IsAncestor(op.NewPath) {
		return structural(CyclicMove, op, op.Path, "cannot move a node into its own descendant %v", []int(op.NewPath))
	}
	if len(op.NewPath) == 0 {
		return structural(InvalidPath, op, op.NewPath, "cannot move a node to the root")
	}
	node, err := takeNode(tx, op, op.Path)
	if err != nil {
		return err
	}
	target := editorproto.MoveTarget(op.Path, op.NewPath)
	list, index, err := resolveParent(tx, op, target)
	if err != nil {
		return err
	}
	return insertBuilt(tx, op, target, list, index, node)
}

func textNode(tx *crdt.Tx, op editorproto.Operation) (crdt.ObjID, error) {
	node, err := resolve(tx, op, op.Path)
	if err != nil {
		return "", err
	}
	text, ok := textOf(tx, node)
	if !ok {
		return "", structural(TypeMismatch, op, op.Path, "not a text node")
	}
	return text, nil
}

func insertText(tx *crdt.Tx, op editorproto.Operation) error {
	text, err := textNode(tx, op)
	if err != nil {
		return err
	}
	if op.Offset < 0 || op.Offset > tx.Len(text) {
		return structural(InvalidPath, op, op.Path, "offset %d out of range", op.Offset)
	}
	return tx.InsertText(text, op.Offset, op.Text)
}

func removeText(tx *crdt.Tx, op editorproto.Operation) error {
	text, err := textNode(tx, op)
	if err != nil {
		return err
	}
	n := utf8.RuneCountInString(op.Text)
	if op.Offset < 0 || op.Offset+n > tx.Len(text) {
		return structural(InvalidPath, op, op.Path, "range %d+%d out of range", op.Offset, n)
	}
	return tx.RemoveText(text, op.Offset, n)
}
