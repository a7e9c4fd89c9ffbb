package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"gihan9a/collabsync/internal/auth"
	"gihan9a/collabsync/internal/collab"
	"gihan9a/collabsync/internal/config"
	"gihan9a/collabsync/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the session layer: it turns websocket events into backend calls
// and owns persistence scheduling and garbage collection.
type Server struct {
	config   *config.Config
	backend  *collab.Backend
	storage  storage.Storage // nil keeps documents in memory only
	auth     *auth.Authorizer
	upgrader websocket.Upgrader
	saver    *debouncer
	saveMu   sync.Mutex // one save in flight at a time

	mu         sync.RWMutex // protects namespaces
	namespaces map[string]*namespace

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server and starts its garbage collector. When store
// reports external changes, idle documents are evicted so the next join reloads them.
func NewServer(cfg *config.Config, store storage.Storage, authorizer *auth.Authorizer) (*Server, error) {
	var loader collab.Loader
	if store != nil {
		loader = store.Load
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		backend:    collab.NewBackend(collab.NewStore(loader, cfg.Document.DefaultValue)),
		storage:    store,
		auth:       authorizer,
		namespaces: make(map[string]*namespace),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.saver = newDebouncer(cfg.Document.SaveDebounce, s.saveDocument)

	if w, ok := store.(storage.Watcher); ok {
		if err := w.Watch(ctx, s.onExternalChange); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to watch storage: %w", err)
		}
	}

	if cfg.Document.GCInterval > 0 {
		s.wg.Add(1)
		go s.gcLoop(cfg.Document.GCInterval)
	}
	return s, nil
}

// Backend exposes the collaboration backend
func (s *Server) Backend() *collab.Backend {
	return s.backend
}

// checkOrigin applies the CORS origin list to websocket handshakes.
// With CORS disabled only same-origin requests are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !s.config.CORS.Enabled {
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://"), r.Host)
	}
	for _, allowed := range strings.Split(s.config.CORS.AllowOrigins, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// saveDocument writes the current tree of a loaded document to storage
func (s *Server) saveDocument(docID string) {
	if s.storage == nil {
		return
	}
	doc, ok := s.backend.Store().Get(docID)
	if !ok {
		return
	}
	nodes := doc.Children()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.storage.Save(ctx, docID, nodes); err != nil {
		log.Printf("Error saving document %s: %v", docID, err)
		documentSaves.WithLabelValues("error").Inc()
		return
	}
	saveDuration.Observe(time.Since(start).Seconds())
	documentSaves.WithLabelValues("ok").Inc()
}

// onExternalChange drops a document edited outside this server if nobody has it open.
// An open document keeps its in-memory state, which the next save writes back.
func (s *Server) onExternalChange(docID string) {
	if len(s.LiveSockets(docID)) > 0 {
		log.Printf("Document %s changed in storage while in use, keeping the live version", docID)
		return
	}
	s.backend.Store().Remove(docID)
}

// Close stops garbage collection and storage watching, disconnects every
// socket and flushes pending saves.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	var sockets []*socket
	for _, ns := range s.namespaces {
		for _, sock := range ns.sockets {
			sockets = append(sockets, sock)
		}
	}
	s.mu.RUnlock()
	for _, sock := range sockets {
		sock.close()
	}

	s.saver.flushAll()
	for _, id := range s.backend.Store().IDs() {
		s.saveDocument(id)
	}
}

// SetupRoutes configures the HTTP routes for the server
func (s *Server) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	// websocket upgrades always join a document, whatever the path
	router.PathPrefix("/").HeadersRegexp("Upgrade", "(?i)^websocket$").HandlerFunc(s.handleSession)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/documents/{path:.+}", s.handleDocument).Methods(http.MethodGet, http.MethodOptions)
	router.PathPrefix("/").HandlerFunc(s.handleSession)
	return router
}
