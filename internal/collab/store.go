package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"gihan9a/collabsync/internal/bridge"
	"gihan9a/collabsync/internal/crdt"
	"gihan9a/collabsync/pkg/editorproto"
)

// ErrLoadRefused is returned when neither the loader nor the default value yields a document
var ErrLoadRefused = errors.New("document load refused")

// Loader fetches the stored tree of a document. A nil result means the document does not exist.
type Loader func(ctx context.Context, id string) ([]editorproto.Node, error)

// Document is one loaded document: its CRDT state plus the cursors of its participants
type Document struct {
	ID string

	mu      sync.Mutex // serializes every change to the fields below
	doc     *crdt.Doc
	cursors map[string]*editorproto.Cursor
}

func newDocument(id string, doc *crdt.Doc) *Document {
	return &Document{ID: id, doc: doc, cursors: make(map[string]*editorproto.Cursor)}
}

// Children renders the current tree
func (d *Document) Children() []editorproto.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bridge.Children(d.doc)
}

// Snapshot returns the saved CRDT history
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Cursors returns a copy of the cursor map keyed by connection id
func (d *Document) Cursors() map[string]*editorproto.Cursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.copyCursors()
}

// copyCursors must be called with d.mu held
func (d *Document) copyCursors() map[string]*editorproto.Cursor {
	out := make(map[string]*editorproto.Cursor, len(d.cursors))
	for id, c := range d.cursors {
		cp := *c
		out[id] = &cp
	}
	return out
}

type loadCall struct {
	done chan struct{}
	doc  *Document
	err  error
}

// Store owns the loaded documents. There is at most one Document per id.
type Store struct {
	loader       Loader
	defaultValue []editorproto.Node

	mu      sync.Mutex // protects the maps below
	docs    map[string]*Document
	loading map[string]*loadCall
}

// NewStore creates a store. loader may be nil, in which case every document
// starts from defaultValue.
func NewStore(loader Loader, defaultValue []editorproto.Node) *Store {
	return &Store{
		loader:       loader,
		defaultValue: defaultValue,
		docs:         make(map[string]*Document),
		loading:      make(map[string]*loadCall),
	}
}

// GetOrLoad returns the document, loading it on first access.
// Concurrent callers for the same id share one load.
func (s *Store) GetOrLoad(ctx context.Context, id string) (*Document, error) {
	s.mu.Lock()
	if doc, ok := s.docs[id]; ok {
		s.mu.Unlock()
		return doc, nil
	}
	if call, ok := s.loading[id]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.doc, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &loadCall{done: make(chan struct{})}
	s.loading[id] = call
	s.mu.Unlock()

	call.doc, call.err = s.load(ctx, id)

	s.mu.Lock()
	delete(s.loading, id)
	if call.err == nil {
		s.docs[id] = call.doc
	}
	s.mu.Unlock()
	close(call.done)
	return call.doc, call.err
}

func (s *Store) load(ctx context.Context, id string) (*Document, error) {
	var nodes []editorproto.Node
	if s.loader != nil {
		var err error
		if nodes, err = s.loader(ctx, id); err != nil {
			return nil, fmt.Errorf("error loading document %s: %w", id, err)
		}
	}
	if nodes == nil {
		nodes = s.defaultValue
	}
	if nodes == nil {
		return nil, fmt.Errorf("%w: %s", ErrLoadRefused, id)
	}
	doc, err := bridge.NewDocument("", nodes)
	if err != nil {
		return nil, fmt.Errorf("error building document %s: %w", id, err)
	}
	log.Printf("Loaded document %s (%d top-level nodes)", id, len(nodes))
	return newDocument(id, doc), nil
}

// Get returns a loaded document without loading it
func (s *Store) Get(id string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Remove forgets a document. A later GetOrLoad recreates it from the loader.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; ok {
		delete(s.docs, id)
		log.Printf("Removed document %s", id)
	}
}

// IDs returns the ids of the loaded documents
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
