package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"gihan9a/collabsync/internal/bridge"
	"gihan9a/collabsync/internal/collab"
	"gihan9a/collabsync/internal/utils"
	"gihan9a/collabsync/pkg/editorproto"

	"github.com/gorilla/mux"
)

// handleSession upgrades a request to a websocket joined to the document named by the URL path
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Path
	connID := utils.GenerateRandomID()

	uid, err := s.auth.Authorize(r, docID)
	if err != nil {
		log.Printf("Refusing %s on %s: %v", connID, docID, err)
		connectionsRefused.WithLabelValues("auth").Inc()
		http.Error(w, fmt.Sprintf("Authentication error: %s", connID), http.StatusUnauthorized)
		return
	}

	if _, err := s.backend.Store().GetOrLoad(r.Context(), docID); err != nil {
		if errors.Is(err, collab.ErrLoadRefused) {
			connectionsRefused.WithLabelValues("not_found").Inc()
			http.Error(w, "Document not found", http.StatusNotFound)
			return
		}
		log.Printf("Error loading %s: %v", docID, err)
		connectionsRefused.WithLabelValues("load_error").Inc()
		http.Error(w, "Error loading document", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.Printf("Error upgrading %s: %v", connID, err)
		return
	}

	sock := newSocket(connID, docID, conn)
	s.AddSocket(sock)
	go sock.writePump()

	meta := map[string]any{}
	if uid != "" {
		meta["uid"] = uid
	}
	if name := r.URL.Query().Get("name"); name != "" {
		meta["name"] = name
	}
	s.backend.CreateConnection(connID, docID, meta, sock.broadcast)
	if err := s.backend.OpenConnection(s.ctx, connID); err != nil {
		log.Printf("Error opening %s on %s: %v", connID, docID, err)
		sock.close()
		s.onDisconnect(sock)
		return
	}
	s.garbageCursors(docID)

	sock.readPump(func(msg editorproto.Message) { s.onMessage(sock, msg) })
	s.onDisconnect(sock)
}

func (s *Server) onMessage(sock *socket, msg editorproto.Message) {
	switch msg.Type {
	case editorproto.MsgOperation:
		var batch editorproto.OperationBatch
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			log.Printf("Error decoding operation batch from %s: %v", sock.ID, err)
			s.reject(sock, err)
			return
		}
		s.onOperation(sock, batch)
	default:
		log.Printf("Ignoring %q message from %s", msg.Type, sock.ID)
	}
}

func (s *Server) onOperation(sock *socket, batch editorproto.OperationBatch) {
	err := s.backend.ReceiveOperation(s.ctx, sock.ID, batch)
	var partial *bridge.PartialError
	switch {
	case err == nil:
		operationBatches.WithLabelValues("ok").Inc()
	case errors.As(err, &partial):
		// applied; some peers may have missed part of it
		log.Printf("Batch from %s applied with %d unconverted diff entries", sock.ID, len(partial.Skipped))
		operationBatches.WithLabelValues("partial").Inc()
		diffEntriesSkipped.Add(float64(len(partial.Skipped)))
	default:
		operationBatches.WithLabelValues("rejected").Inc()
		s.reject(sock, err)
		s.garbageCursors(sock.DocID)
		return
	}
	s.saver.schedule(sock.DocID)
	s.garbageCursors(sock.DocID)
}

// reject tells the sender its batch was dropped
func (s *Server) reject(sock *socket, err error) {
	msg, encErr := editorproto.NewMessage(editorproto.MsgError, editorproto.ErrorPayload{Reason: err.Error()})
	if encErr != nil {
		return
	}
	sock.broadcast(msg)
}

func (s *Server) onDisconnect(sock *socket) {
	sock.close()
	s.RemoveSocket(sock)
	s.backend.CloseConnection(sock.ID)
	s.garbageCursors(sock.DocID)
	s.saver.flush(sock.DocID)
	s.garbageNamespaces()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"documents":  len(s.backend.Store().IDs()),
		"namespaces": len(s.Namespaces()),
	})
}

// handleDocument returns the current tree of a document. A loaded document is
// read from memory, anything else straight from storage.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if s.config.CORS.Enabled {
		s.addCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	docID := "/" + mux.Vars(r)["path"]
	if _, err := s.auth.Authorize(r, docID); err != nil {
		http.Error(w, "Authentication error", http.StatusUnauthorized)
		return
	}

	var nodes []editorproto.Node
	if doc, ok := s.backend.Store().Get(docID); ok {
		nodes = doc.Children()
	} else if s.storage != nil {
		var err error
		if nodes, err = s.storage.Load(r.Context(), docID); err != nil {
			http.Error(w, fmt.Sprintf("Error reading document: %v", err), http.StatusInternalServerError)
			return
		}
	}
	if nodes == nil {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}

	data, err := json.Marshal(nodes)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error encoding document: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Version", utils.CalculateHash(data))
	w.Write(data)
}

// addCORSHeaders adds CORS headers to the response
func (s *Server) addCORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.config.CORS.AllowOrigins)
	w.Header().Set("Access-Control-Allow-Methods", s.config.CORS.AllowMethods)
	w.Header().Set("Access-Control-Allow-Headers", s.config.CORS.AllowHeaders)

	if s.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.config.CORS.MaxAge))
}
