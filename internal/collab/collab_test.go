package collab_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"runtime/debug"
	"sync"
	"testing"

	"gihan9a/collabsync/internal/bridge"
	"gihan9a/collabsync/internal/collab"
	"gihan9a/collabsync/internal/crdt"
	"gihan9a/collabsync/pkg/editorproto"
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
		gj, _ := json.Marshal(got)
		wj, _ := json.Marshal(want)
		fatalf(t, "got %s, want %s", gj, wj)
	}
}

func hiDocument() []editorproto.Node {
	return []editorproto.Node{{"type": "paragraph", "children": []any{map[string]any{"text": "Hi"}}}}
}

// inbox records the messages delivered to one connection
type inbox struct {
	mu   sync.Mutex
	msgs []editorproto.Message
}

func (in *inbox) push(msg editorproto.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, msg)
}

func (in *inbox) all() []editorproto.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]editorproto.Message(nil), in.msgs...)
}

func (in *inbox) ofType(typ string) []editorproto.Message {
	var out []editorproto.Message
	for _, m := range in.all() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func join(t *testing.T, b *collab.Backend, connID, docID string) *inbox {
	in := &inbox{}
	b.CreateConnection(connID, docID, map[string]any{"name": connID}, in.push)
	ok(t, b.OpenConnection(context.Background(), connID))
	return in
}

func insertBang() editorproto.OperationBatch {
	return editorproto.OperationBatch{Ops: []editorproto.Operation{
		{Type: editorproto.InsertText, Path: editorproto.Path{0, 0}, Offset: 2, Text: "!"},
	}}
}

func TestStoreLoadsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	loader := func(ctx context.Context, id string) ([]editorproto.Node, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return hiDocument(), nil
	}
	s := collab.NewStore(loader, nil)

	var wg sync.WaitGroup
	docs := make([]*collab.Document, 8)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := s.GetOrLoad(context.Background(), "/doc1")
			if err != nil {
				t.Error(err)
			}
			docs[i] = doc
		}(i)
	}
	wg.Wait()
	eq(t, calls, 1)
	for _, d := range docs {
		if d != docs[0] {
			fatalf(t, "got distinct documents for one id")
		}
	}
	eq(t, s.IDs(), []string{"/doc1"})
}

func TestStoreDefaultAndRefusal(t *testing.T) {
	missing := func(ctx context.Context, id string) ([]editorproto.Node, error) { return nil, nil }

	s := collab.NewStore(missing, hiDocument())
	doc, err := s.GetOrLoad(context.Background(), "/new")
	ok(t, err)
	eq(t, len(doc.Children()), 1)

	s = collab.NewStore(missing, nil)
	_, err = s.GetOrLoad(context.Background(), "/new")
	if !errors.Is(err, collab.ErrLoadRefused) {
		fatalf(t, "got %v, want ErrLoadRefused", err)
	}
	if _, ok := s.Get("/new"); ok {
		fatalf(t, "refused document was stored")
	}
}

func TestStoreLoaderError(t *testing.T) {
	boom := errors.New("boom")
	s := collab.NewStore(func(ctx context.Context, id string) ([]editorproto.Node, error) { return nil, boom }, hiDocument())
	_, err := s.GetOrLoad(context.Background(), "/x")
	if !errors.Is(err, boom) {
		fatalf(t, "got %v, want wrapped loader error", err)
	}
}

func TestStoreRemove(t *testing.T) {
	s := collab.NewStore(nil, hiDocument())
	_, err := s.GetOrLoad(context.Background(), "/a")
	ok(t, err)
	s.Remove("/a")
	eq(t, s.IDs(), []string{})
}

func TestOperationReachesOthersOnly(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	a := join(t, b, "A", "/doc1")
	bb := join(t, b, "B", "/doc1")
	other := join(t, b, "C", "/doc2")

	ok(t, b.ReceiveOperation(context.Background(), "A", insertBang()))

	eq(t, len(a.ofType(editorproto.MsgOperation)), 0)
	eq(t, len(other.ofType(editorproto.MsgOperation)), 0)
	got := bb.ofType(editorproto.MsgOperation)
	eq(t, len(got), 1)

	var payload editorproto.OperationBroadcast
	ok(t, json.Unmarshal(got[0].Payload, &payload))
	eq(t, payload.ID, "A")
	eq(t, len(payload.Ops), 1)
	eq(t, payload.Ops[0].Type, editorproto.InsertText)
	eq(t, payload.Ops[0].Path, editorproto.Path{0, 0})
	eq(t, payload.Ops[0].Offset, 2)
	eq(t, payload.Ops[0].Text, "!")

	doc, _ := b.Store().Get("/doc1")
	eq(t, doc.Children()[0]["children"], []any{map[string]any{"text": "Hi!"}})
}

func TestSnapshotComesFirst(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	join(t, b, "A", "/doc1")
	ok(t, b.ReceiveOperation(context.Background(), "A", insertBang()))

	late := join(t, b, "B", "/doc1")
	ok(t, b.ReceiveOperation(context.Background(), "A", editorproto.OperationBatch{Ops: []editorproto.Operation{
		{Type: editorproto.InsertText, Path: editorproto.Path{0, 0}, Offset: 3, Text: "?"},
	}}))

	msgs := late.all()
	eq(t, msgs[0].Type, editorproto.MsgDocument)

	// the snapshot already contains the first edit; replaying the broadcast yields the live tree
	var snap editorproto.DocumentSnapshot
	ok(t, json.Unmarshal(msgs[0].Payload, &snap))
	replica, err := crdt.Load(snap.Snapshot, "B")
	ok(t, err)
	eq(t, bridge.Children(replica)[0]["children"], []any{map[string]any{"text": "Hi!"}})

	var bc editorproto.OperationBroadcast
	ok(t, json.Unmarshal(late.ofType(editorproto.MsgOperation)[0].Payload, &bc))
	_, err = bridge.ApplyAll(replica, bc.Ops)
	ok(t, err)
	doc, _ := b.Store().Get("/doc1")
	eq(t, bridge.Children(replica), doc.Children())
}

func TestUnopenedConnectionGetsNothing(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	join(t, b, "A", "/doc1")
	pending := &inbox{}
	b.CreateConnection("B", "/doc1", nil, pending.push)

	ok(t, b.ReceiveOperation(context.Background(), "A", insertBang()))
	eq(t, len(pending.all()), 0)
	eq(t, b.Connections("/doc1"), []string{"A", "B"})
}

func TestStructuralErrorDropsBatch(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	join(t, b, "A", "/doc1")
	peer := join(t, b, "B", "/doc1")

	err := b.ReceiveOperation(context.Background(), "A", editorproto.OperationBatch{Ops: []editorproto.Operation{
		{Type: editorproto.InsertText, Path: editorproto.Path{0, 0}, Offset: 2, Text: "!"},
		{Type: editorproto.RemoveNode, Path: editorproto.Path{7}},
	}})
	if !errors.Is(err, bridge.ErrInvalidPath) {
		fatalf(t, "got %v, want ErrInvalidPath", err)
	}
	eq(t, len(peer.ofType(editorproto.MsgOperation)), 0)
	doc, _ := b.Store().Get("/doc1")
	eq(t, doc.Children()[0]["children"], []any{map[string]any{"text": "Hi"}})
}

func TestUnknownConnection(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	err := b.ReceiveOperation(context.Background(), "ghost", insertBang())
	if !errors.Is(err, collab.ErrUnknownConnection) {
		fatalf(t, "got %v, want ErrUnknownConnection", err)
	}
}

func TestSelectionUpdatesCursor(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	join(t, b, "A", "/doc1")
	peer := join(t, b, "B", "/doc1")

	sel := editorproto.Operation{
		Type: editorproto.SetSelection,
		NewProperties: map[string]any{
			"anchor": map[string]any{"path": []any{0, 0}, "offset": 1},
			"focus":  map[string]any{"path": []any{0, 0}, "offset": 2},
		},
	}
	ok(t, b.ReceiveOperation(context.Background(), "A", editorproto.OperationBatch{Ops: []editorproto.Operation{sel}}))

	doc, _ := b.Store().Get("/doc1")
	cursors := doc.Cursors()
	eq(t, *cursors["A"].Anchor, editorproto.Point{Path: editorproto.Path{0, 0}, Offset: 1})
	eq(t, *cursors["A"].Focus, editorproto.Point{Path: editorproto.Path{0, 0}, Offset: 2})
	eq(t, cursors["A"].Data, map[string]any{"name": "A"})
	eq(t, len(peer.ofType(editorproto.MsgCursor)), 1)
	// selections never touch the tree
	eq(t, len(peer.ofType(editorproto.MsgOperation)), 0)

	b.CloseConnection("A")
	eq(t, len(doc.Cursors()), 0)
	eq(t, len(peer.ofType(editorproto.MsgCursor)), 2)
	eq(t, b.Connections("/doc1"), []string{"B"})
}

func TestJoinIsIdempotentForTheTree(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	join(t, b, "A", "/doc1")
	doc, _ := b.Store().Get("/doc1")
	before := doc.Children()

	join(t, b, "B", "/doc1")
	b.CloseConnection("B")
	join(t, b, "B", "/doc1")
	eq(t, doc.Children(), before)
}

func TestConcurrentEditsConverge(t *testing.T) {
	b := collab.NewBackend(collab.NewStore(nil, hiDocument()))
	ids := []string{"A", "B", "C", "D"}
	for _, id := range ids {
		join(t, b, id, "/doc1")
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				err := b.ReceiveOperation(context.Background(), id, editorproto.OperationBatch{Ops: []editorproto.Operation{
					{Type: editorproto.InsertText, Path: editorproto.Path{0, 0}, Offset: 0, Text: id},
				}})
				if err != nil {
					t.Error(err)
				}
			}
		}(id)
	}
	wg.Wait()

	doc, _ := b.Store().Get("/doc1")
	leaf := doc.Children()[0]["children"].([]any)[0].(map[string]any)
	eq(t, len([]rune(leaf["text"].(string))), 42)
}
