package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/stewardlabs/steward/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedClient is one websocket subscriber to a session's events.
type feedClient struct {
	id             string
	sessionID      string
	conn           *websocket.Conn
	send           chan events.Event
	subscriptionID string
	closeOnce      sync.Once
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// clientRegistry tracks live feed connections.
type clientRegistry struct {
	mu      sync.Mutex
	clients map[string]*feedClient
	logger  zerolog.Logger
}

func newClientRegistry(logger zerolog.Logger) *clientRegistry {
	return &clientRegistry{
		clients: make(map[string]*feedClient),
		logger:  logger,
	}
}

func (r *clientRegistry) add(c *feedClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *clientRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *clientRegistry) closeAll() {
	r.mu.Lock()
	clients := make([]*feedClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*feedClient)
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// handleFeed upgrades the connection and streams the session's events
// until the client disconnects.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.shuttingDown {
		s.shutdownMu.RUnlock()
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.shutdownMu.RUnlock()

	sessionID := r.PathValue("id")
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	clientID, _ := gonanoid.New()
	client := &feedClient{
		id:        clientID,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan events.Event, sendBufferSize),
	}

	client.subscriptionID = s.bus.Subscribe(sessionID, func(evt events.Event) {
		select {
		case client.send <- evt:
		default:
			// Slow consumer; drop rather than block the bus.
			s.logger.Warn().
				Str("client_id", client.id).
				Str("session_id", sessionID).
				Msg("Feed buffer full, dropping event")
		}
	})
	s.clients.add(client)

	s.logger.Debug().
		Str("client_id", clientID).
		Str("session_id", sessionID).
		Msg("Feed client connected")

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) writePump(c *feedClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and tears the client down on
// disconnect.
func (s *Server) readPump(c *feedClient) {
	defer func() {
		s.bus.Unsubscribe(c.sessionID, c.subscriptionID)
		s.clients.remove(c.id)
		c.close()
		c.conn.Close()
		s.logger.Debug().Str("client_id", c.id).Msg("Feed client disconnected")
	}()

	c.conn.SetReadLimit(1 << 16)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
