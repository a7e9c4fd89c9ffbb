package editorproto

import "encoding/json"

// Operation types understood by the editor
const (
	InsertNode   = "insert_node"
	RemoveNode   = "remove_node"
	SetNode      = "set_node"
	SplitNode    = "split_node"
	MergeNode    = "merge_node"
	MoveNode     = "move_node"
	InsertText   = "insert_text"
	RemoveText   = "remove_text"
	SetSelection = "set_selection"
)

// Message types exchanged over a connection
const (
	MsgOperation = "operation"
	MsgDocument  = "document"
	MsgCursor    = "cursor"
	MsgError     = "error"
)

// Node is an editor node. Element nodes carry "children", text nodes carry "text".
type Node map[string]any

// Point is a position inside a text node
type Point struct {
	Path   Path `json:"path"`
	Offset int  `json:"offset"`
}

// Range is a selection between two points
type Range struct {
	Anchor Point `json:"anchor"`
	Focus  Point `json:"focus"`
}

// Operation is a single editor operation. Type decides which fields are meaningful.
type Operation struct {
	Type          string         `json:"type"`
	Path          Path           `json:"path,omitempty"`
	NewPath       Path           `json:"newPath,omitempty"`
	Offset        int            `json:"offset,omitempty"`
	Text          string         `json:"text,omitempty"`
	Node          Node           `json:"node,omitempty"`
	Position      int            `json:"position,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	NewProperties map[string]any `json:"newProperties,omitempty"`
}

// Message is the envelope of every frame sent over a connection
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OperationBatch is the payload of an "operation" message sent by a client
type OperationBatch struct {
	Ops []Operation `json:"ops"`
}

// OperationBroadcast is the payload of an "operation" message pushed to peers
type OperationBroadcast struct {
	ID  string      `json:"id"`  // connection that produced the operations
	Ops []Operation `json:"ops"` // operations converted from the resulting change
}

// CursorBroadcast is the payload of a "cursor" message
type CursorBroadcast struct {
	ID      string             `json:"id"`
	Cursors map[string]*Cursor `json:"cursors"`
}

// Cursor is the selection of one participant
type Cursor struct {
	Anchor *Point         `json:"anchor,omitempty"`
	Focus  *Point         `json:"focus,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// DocumentSnapshot is the payload of the "document" message sent once on join
type DocumentSnapshot struct {
	ID       string `json:"id"`
	Snapshot []byte `json:"snapshot"` // saved CRDT history
}

// ErrorPayload is the payload of an "error" message
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// NewMessage encodes payload into a Message of the given type
func NewMessage(typ string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: raw}, nil
}
