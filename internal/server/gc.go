package server

import (
	"log"
	"time"
)

// garbageCursors drops the cursors of docID whose connection has no live socket,
// which catches connections that died without a clean disconnect.
func (s *Server) garbageCursors(docID string) {
	doc, ok := s.backend.Store().Get(docID)
	if !ok {
		return
	}
	live := s.LiveSockets(docID)
	for connID := range doc.Cursors() {
		if !live[connID] {
			s.backend.GarbageCursor(docID, connID)
		}
	}
}

// garbageNamespaces saves and forgets every document whose namespace has had
// no sockets for the configured grace period. Loaded documents that never got
// a namespace are collected too.
func (s *Server) garbageNamespaces() {
	grace := s.config.Document.GCGrace
	now := time.Now()

	s.mu.RLock()
	var idle []string
	seen := make(map[string]bool)
	for id, ns := range s.namespaces {
		seen[id] = true
		if len(ns.sockets) == 0 && now.Sub(ns.emptySince) >= grace {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range s.backend.Store().IDs() {
		if !seen[id] {
			idle = append(idle, id)
		}
	}

	for _, id := range idle {
		// saved before removal; nothing can change without a socket
		s.saver.flush(id)

		s.mu.Lock()
		ns, exists := s.namespaces[id]
		if exists && len(ns.sockets) > 0 {
			// someone joined while we were saving
			s.mu.Unlock()
			continue
		}
		if exists {
			delete(s.namespaces, id)
			namespacesActive.Dec()
		}
		s.backend.Store().Remove(id)
		s.mu.Unlock()

		documentsCollected.Inc()
		log.Printf("Collected idle namespace %s", id)
	}
}

func (s *Server) gcLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.Namespaces() {
				s.garbageCursors(id)
			}
			s.garbageNamespaces()
		}
	}
}
