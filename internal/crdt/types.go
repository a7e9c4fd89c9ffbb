package crdt

import (
	"errors"
	"strconv"
)

// ObjID identifies an object in a document. It is the string form of the id minted when the object was made.
type ObjID string

// Root is the id of the document's root map
const Root ObjID = "_root"

// ObjType is the kind of a document object
type ObjType string

const (
	TypeMap  ObjType = "map"
	TypeList ObjType = "list"
	TypeText ObjType = "text"
)

// DiffAction is the kind of a diff entry
type DiffAction string

const (
	DiffCreate DiffAction = "create"
	DiffSet    DiffAction = "set"
	DiffInsert DiffAction = "insert"
	DiffRemove DiffAction = "remove"
)

var (
	ErrUnknownObject  = errors.New("unknown object")
	ErrTypeMismatch   = errors.New("object type mismatch")
	ErrOutOfRange     = errors.New("index out of range")
	ErrMissingChange  = errors.New("missing earlier change")
	ErrMalformedValue = errors.New("malformed value")
)

// OpID names objects and list elements. Ids minted by one replica never
// collide with another's because the actor is part of the id.
type OpID struct {
	Counter uint64
	Actor   string
}

func (id OpID) String() string {
	return strconv.FormatUint(id.Counter, 10) + "@" + id.Actor
}

// Change is one committed transaction: a delta per touched object, in the
// order the objects were first touched. Changes travel between replicas in
// memory; a document is persisted with Save.
type Change struct {
	Actor string
	Seq   uint64
	MaxOp uint64
	edits []edit
}

// Diff is one primitive edit observed while a change was made or applied.
// Path locates Obj from the root (map keys as strings, list indexes as ints)
// and is nil while Obj is not reachable from the root.
type Diff struct {
	Action DiffAction `json:"action"`
	Type   ObjType    `json:"type"`
	Obj    ObjID      `json:"obj"`
	Path   []any      `json:"path,omitempty"`
	Key    string     `json:"key,omitempty"`
	Index  int        `json:"index,omitempty"`
	ElemID string     `json:"elemId,omitempty"`
	Value  any        `json:"value,omitempty"`
	Link   bool       `json:"link,omitempty"`
}

// Attached reports whether the diff's object was reachable from the root
func (d Diff) Attached() bool {
	return d.Path != nil
}
