package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"gihan9a/collabsync/pkg/editorproto"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// socket is one websocket subscribed to a namespace
type socket struct {
	ID    string
	DocID string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(id, docID string, conn *websocket.Conn) *socket {
	return &socket{
		ID:    id,
		DocID: docID,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

// broadcast queues msg for the write pump. It never blocks: a socket that
// cannot keep up is closed.
func (c *socket) broadcast(msg editorproto.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error encoding message for %s: %v", c.ID, err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		log.Printf("Send buffer of %s is full, dropping connection", c.ID)
		connectionsDropped.Inc()
		c.close()
	}
}

func (c *socket) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Error writing to %s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readPump decodes client messages until the socket fails or closes
func (c *socket) readPump(onMessage func(editorproto.Message)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Connection %s closed: %v", c.ID, err)
			}
			return
		}
		var msg editorproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Error decoding message from %s: %v", c.ID, err)
			continue
		}
		onMessage(msg)
	}
}

// namespace holds the live sockets of one document
type namespace struct {
	sockets    map[string]*socket
	emptySince time.Time
}

// AddSocket registers a socket in the namespace of its document
func (s *Server) AddSocket(sock *socket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, exists := s.namespaces[sock.DocID]
	if !exists {
		ns = &namespace{sockets: make(map[string]*socket)}
		s.namespaces[sock.DocID] = ns
		namespacesActive.Inc()
	}
	ns.sockets[sock.ID] = sock
	connectionsActive.Inc()
	log.Printf("Added socket %s to namespace %s", sock.ID, sock.DocID)
}

// RemoveSocket unregisters a socket. The namespace stays until garbage collection.
func (s *Server) RemoveSocket(sock *socket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, exists := s.namespaces[sock.DocID]
	if !exists {
		return
	}
	if _, ok := ns.sockets[sock.ID]; !ok {
		return
	}
	delete(ns.sockets, sock.ID)
	connectionsActive.Dec()
	if len(ns.sockets) == 0 {
		ns.emptySince = time.Now()
	}
	log.Printf("Removed socket %s from namespace %s", sock.ID, sock.DocID)
}

// LiveSockets returns the ids of the sockets registered for docID
func (s *Server) LiveSockets(docID string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := make(map[string]bool)
	if ns, ok := s.namespaces[docID]; ok {
		for id := range ns.sockets {
			live[id] = true
		}
	}
	return live
}

// Namespaces returns the ids of the registered namespaces
func (s *Server) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.namespaces))
	for id := range s.namespaces {
		ids = append(ids, id)
	}
	return ids
}
