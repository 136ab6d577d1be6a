package platform

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"contextengine/pkg/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// WSPublisher broadcasts published DetectionState values and mode
// transitions to every connected websocket client, for a local dashboard
// or a companion app. Satisfies Publisher.
type WSPublisher struct {
	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewWSPublisher creates an empty publisher. Call ServeHTTP from an
// http.ServeMux to accept client connections.
func NewWSPublisher() *WSPublisher {
	return &WSPublisher{clients: make(map[string]*wsClient)}
}

type wsEnvelope struct {
	Type  string                `json:"type"`
	State *model.DetectionState `json:"state,omitempty"`
	Trans *model.ModeTransition `json:"transition,omitempty"`
}

func (p *WSPublisher) PublishState(state model.DetectionState) {
	p.broadcast(wsEnvelope{Type: "state", State: &state})
}

func (p *WSPublisher) PublishTransition(t model.ModeTransition) {
	p.broadcast(wsEnvelope{Type: "transition", Trans: &t})
}

func (p *WSPublisher) broadcast(env wsEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("wsadapter: failed to marshal envelope", "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("wsadapter: dropping slow client", "client", id)
		}
	}
}

// ServeHTTP upgrades the connection and registers the client until it
// disconnects.
func (p *WSPublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsadapter: upgrade failed", "error", err)
		return
	}

	client := &wsClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, 16)}
	p.mu.Lock()
	p.clients[client.id] = client
	p.mu.Unlock()

	go p.writeLoop(client)
	p.readLoop(client)
}

func (p *WSPublisher) writeLoop(c *wsClient) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
}

func (p *WSPublisher) readLoop(c *wsClient) {
	defer p.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *WSPublisher) remove(c *wsClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[c.id]; ok {
		delete(p.clients, c.id)
		close(c.send)
		c.conn.Close()
	}
}
