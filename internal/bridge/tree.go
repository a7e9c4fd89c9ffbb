package bridge

import (
	"fmt"
	"sort"

	"gihan9a/collabsync/internal/crdt"
	"gihan9a/collabsync/pkg/editorproto"
)

// Reserved node keys
const (
	keyChildren = "children"
	keyText     = "text"
	keyData     = "data"
)

// NewDocument returns a CRDT document whose root "children" list holds nodes
func NewDocument(actor string, nodes []editorproto.Node) (*crdt.Doc, error) {
	doc := crdt.New(actor)
	_, err := doc.Change(func(tx *crdt.Tx) error {
		list, err := tx.MakeList()
		if err != nil {
			return err
		}
		for i, n := range nodes {
			obj, err := buildNode(tx, n)
			if err != nil {
				return err
			}
			if err := tx.InsertLink(list, i, obj); err != nil {
				return err
			}
		}
		return tx.SetLink(crdt.Root, keyChildren, list)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Children renders the document's top-level nodes
func Children(doc *crdt.Doc) []editorproto.Node {
	v, link, ok := doc.Get(crdt.Root, keyChildren)
	if !ok || !link {
		return nil
	}
	items, _ := doc.Materialize(v.(crdt.ObjID)).([]any)
	nodes := make([]editorproto.Node, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			nodes = append(nodes, m)
		}
	}
	return nodes
}

func asMap(v any) (map[string]any, bool) {
	switch n := v.(type) {
	case editorproto.Node:
		return n, true
	case map[string]any:
		return n, true
	}
	return nil, false
}

// buildNode creates a detached map for n, its children list or text object included
func buildNode(tx *crdt.Tx, n map[string]any) (crdt.ObjID, error) {
	children, hasChildren := n[keyChildren]
	text, hasText := n[keyText]
	if hasChildren == hasText {
		return "", fmt.Errorf("node must have exactly one of children or text")
	}

	obj, err := tx.MakeMap()
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(n))
	for k := range n {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case keyChildren:
			items, ok := children.([]any)
			if !ok && children != nil {
				return "", fmt.Errorf("children must be a list")
			}
			list, err := tx.MakeList()
			if err != nil {
				return "", err
			}
			for i, item := range items {
				child, ok := asMap(item)
				if !ok {
					return "", fmt.Errorf("child %d is not a node", i)
				}
				c, err := buildNode(tx, child)
				if err != nil {
					return "", err
				}
				if err := tx.InsertLink(list, i, c); err != nil {
					return "", err
				}
			}
			if err := tx.SetLink(obj, keyChildren, list); err != nil {
				return "", err
			}
		case keyText:
			s, ok := text.(string)
			if !ok {
				return "", fmt.Errorf("text must be a string")
			}
			t, err := tx.MakeText()
			if err != nil {
				return "", err
			}
			if err := tx.InsertText(t, 0, s); err != nil {
				return "", err
			}
			if err := tx.SetLink(obj, keyText, t); err != nil {
				return "", err
			}
		default:
			if err := tx.SetValue(obj, k, n[k]); err != nil {
				return "", err
			}
		}
	}
	return obj, nil
}

// reader is the read side shared by crdt.Doc and crdt.Tx
type reader interface {
	Get(obj crdt.ObjID, key string) (any, bool, bool)
	Len(obj crdt.ObjID) int
	At(obj crdt.ObjID, index int) (any, bool, bool)
}

// childList returns the children list of node. Text nodes have none.
func childList(r reader, node crdt.ObjID) (crdt.ObjID, bool, bool) {
	if v, link, ok := r.Get(node, keyChildren); ok && link {
		return v.(crdt.ObjID), true, false
	}
	_, _, isText := r.Get(node, keyText)
	return "", false, isText
}

// textOf returns the text object of a text node
func textOf(r reader, node crdt.ObjID) (crdt.ObjID, bool) {
	if v, link, ok := r.Get(node, keyText); ok && link {
		return v.(crdt.ObjID), true
	}
	return "", false
}

// resolve re-validates path against the current tree and returns the node it addresses.
// The empty path resolves to the root.
func resolve(r reader, op editorproto.Operation, path editorproto.Path) (crdt.ObjID, error) {
	node := crdt.Root
	for depth, i := range path {
		list, ok, isText := childList(r, node)
		if !ok {
			if isText {
				return "", structural(InvalidPath, op, path, "text node at %v has no children", []int(path[:depth]))
			}
			return "", structural(InvalidPath, op, path, "node at %v has no children", []int(path[:depth]))
		}
		v, link, ok := r.At(list, i)
		if !ok || !link {
			return "", structural(InvalidPath, op, path, "no node at index %d", i)
		}
		node = v.(crdt.ObjID)
	}
	return node, nil
}

// resolveParent returns the children list holding the node at path and the node's index in it.
// The index is not checked against the list length.
func resolveParent(r reader, op editorproto.Operation, path editorproto.Path) (crdt.ObjID, int, error) {
	if len(path) == 0 {
		return "", 0, structural(InvalidPath, op, path, "the root has no parent")
	}
	parent, err := resolve(r, op, path.Parent())
	if err != nil {
		return "", 0, err
	}
	list, ok, isText := childList(r, parent)
	if !ok {
		if isText {
			return "", 0, structural(InvalidPath, op, path, "can't address a child of a text node")
		}
		return "", 0, structural(InvalidPath, op, path, "parent has no children")
	}
	return list, path.Last(), nil
}
