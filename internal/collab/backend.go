package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"gihan9a/collabsync/internal/bridge"
	"gihan9a/collabsync/pkg/editorproto"
)

var ErrUnknownConnection = errors.New("unknown connection")

// BroadcastFunc pushes a message to one remote participant. It is called while
// the document is locked and must not block.
type BroadcastFunc func(msg editorproto.Message)

// Connection is one participant attached to a document
type Connection struct {
	ID    string
	DocID string
	Meta  map[string]any // client metadata copied into its cursor

	broadcast BroadcastFunc
	open      bool // eligible for broadcasts once the snapshot went out
}

// Backend applies operation batches to documents and fans the resulting
// operations out to the other participants.
type Backend struct {
	store *Store

	mu    sync.RWMutex // protects conns; never acquired before a Document lock is released
	conns map[string]*Connection
}

func NewBackend(store *Store) *Backend {
	return &Backend{store: store, conns: make(map[string]*Connection)}
}

func (b *Backend) Store() *Store {
	return b.store
}

// CreateConnection registers a participant of docID. It receives nothing until OpenConnection.
func (b *Backend) CreateConnection(connID, docID string, meta map[string]any, fn BroadcastFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[connID] = &Connection{ID: connID, DocID: docID, Meta: meta, broadcast: fn}
}

func (b *Backend) connection(connID string) (*Connection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return c, nil
}

// OpenConnection sends the full document snapshot and the current cursors to
// the connection, then makes it eligible for broadcasts. Both happen under the
// document lock so no operation can reach it ahead of its baseline.
func (b *Backend) OpenConnection(ctx context.Context, connID string) error {
	conn, err := b.connection(connID)
	if err != nil {
		return err
	}
	doc, err := b.store.GetOrLoad(ctx, conn.DocID)
	if err != nil {
		return err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	snap, err := doc.doc.Save()
	if err != nil {
		return fmt.Errorf("error saving snapshot of %s: %w", doc.ID, err)
	}
	msg, err := editorproto.NewMessage(editorproto.MsgDocument, editorproto.DocumentSnapshot{ID: doc.ID, Snapshot: snap})
	if err != nil {
		return err
	}
	conn.broadcast(msg)
	if len(doc.cursors) > 0 {
		if msg, err := editorproto.NewMessage(editorproto.MsgCursor, editorproto.CursorBroadcast{Cursors: doc.copyCursors()}); err == nil {
			conn.broadcast(msg)
		}
	}

	b.mu.Lock()
	conn.open = true
	b.mu.Unlock()
	return nil
}

// CloseConnection forgets the connection and drops its cursor
func (b *Backend) CloseConnection(connID string) {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	delete(b.conns, connID)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.GarbageCursor(conn.DocID, connID)
}

// Connections returns the ids of the connections attached to docID
func (b *Backend) Connections(docID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for id, c := range b.conns {
		if c.DocID == docID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ReceiveOperation applies one batch from connID to its document as a single
// change and broadcasts the converted result to every other open connection on
// that document. Batches on one document are applied one at a time in arrival order.
//
// A structural error drops the whole batch. A *bridge.PartialError means the
// batch was applied but some diff entries could not be converted.
func (b *Backend) ReceiveOperation(ctx context.Context, connID string, batch editorproto.OperationBatch) error {
	conn, err := b.connection(connID)
	if err != nil {
		return err
	}
	doc, err := b.store.GetOrLoad(ctx, conn.DocID)
	if err != nil {
		return err
	}

	var treeOps, selectionOps []editorproto.Operation
	for _, op := range batch.Ops {
		if op.Type == editorproto.SetSelection {
			selectionOps = append(selectionOps, op)
		} else {
			treeOps = append(treeOps, op)
		}
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	var convErr error
	if len(treeOps) > 0 {
		diffs, err := bridge.ApplyAll(doc.doc, treeOps)
		if err != nil {
			log.Printf("Dropping operation batch from %s on %s: %v", connID, doc.ID, err)
			return err
		}
		var ops []editorproto.Operation
		ops, convErr = bridge.Convert(diffs, doc.doc)
		if len(ops) > 0 {
			b.broadcast(doc.ID, connID, editorproto.MsgOperation, editorproto.OperationBroadcast{ID: connID, Ops: ops})
		}
	}

	if len(selectionOps) > 0 {
		cursor := doc.cursors[connID]
		if cursor == nil {
			cursor = &editorproto.Cursor{Data: conn.Meta}
			doc.cursors[connID] = cursor
		}
		for _, op := range selectionOps {
			if err := applySelection(cursor, op); err != nil {
				log.Printf("Ignoring selection from %s: %v", connID, err)
			}
		}
		b.broadcast(doc.ID, connID, editorproto.MsgCursor, editorproto.CursorBroadcast{ID: connID, Cursors: doc.copyCursors()})
	}
	return convErr
}

// applySelection folds a set_selection operation into a cursor. A nil
// newProperties clears the selection.
func applySelection(c *editorproto.Cursor, op editorproto.Operation) error {
	if op.NewProperties == nil {
		c.Anchor, c.Focus = nil, nil
		return nil
	}
	for key, target := range map[string]**editorproto.Point{"anchor": &c.Anchor, "focus": &c.Focus} {
		v, ok := op.NewProperties[key]
		if !ok {
			continue
		}
		if v == nil {
			*target = nil
			continue
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var p editorproto.Point
		if err := json.Unmarshal(buf, &p); err != nil {
			return fmt.Errorf("bad %s: %w", key, err)
		}
		*target = &p
	}
	return nil
}

// GarbageCursor removes the cursor of connID from docID and tells the others
func (b *Backend) GarbageCursor(docID, connID string) {
	doc, ok := b.store.Get(docID)
	if !ok {
		return
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if _, ok := doc.cursors[connID]; !ok {
		return
	}
	delete(doc.cursors, connID)
	b.broadcast(doc.ID, connID, editorproto.MsgCursor, editorproto.CursorBroadcast{ID: connID, Cursors: doc.copyCursors()})
}

// broadcast sends payload to every open connection on docID except the origin.
// Callers hold the document lock so messages leave in application order.
func (b *Backend) broadcast(docID, origin, typ string, payload any) {
	msg, err := editorproto.NewMessage(typ, payload)
	if err != nil {
		log.Printf("Error encoding %s broadcast for %s: %v", typ, docID, err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, c := range b.conns {
		if id == origin || c.DocID != docID || !c.open {
			continue
		}
		c.broadcast(msg)
	}
}
