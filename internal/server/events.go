package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

const (
	EventStatus         = "status"
	EventReady          = "ready"
	EventError          = "error"
	EventRecordState    = "record_state"
	EventRecordProgress = "record_progress"
	EventClip           = "clip"
	EventParams         = "params"

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32
)

// Event is one message on the /events stream.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// peer is one websocket subscriber.
type peer struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
	conn       *websocket.Conn
	id         string
	send       chan []byte
}

func newPeer(conn *websocket.Conn) *peer {
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &peer{
		ctx:        ctx,
		cancelFunc: cancelFunc,
		conn:       conn,
		id:         uuid.NewString(),
		send:       make(chan []byte, sendBuffer),
	}
}

// Hub fans events out to every connected websocket peer. Slow peers lose
// events rather than blocking the sender.
type Hub struct {
	mu       sync.RWMutex
	peers    map[string]*peer
	upgrader websocket.Upgrader
	now      func() time.Time
	log      logging.LeveledLogger
}

func NewHub(log logging.LeveledLogger) *Hub {
	return &Hub{
		peers: make(map[string]*peer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
		log: log,
	}
}

// Broadcast sends an event to all peers.
func (h *Hub) Broadcast(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, Time: h.now().UTC(), Data: data})
	if err != nil {
		h.log.Errorf("events: marshal %s error: %s", eventType, err.Error())
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, p := range h.peers {
		select {
		case p.send <- msg:
		default:
			h.log.Warnf("events: peer %s is slow, dropping %s", id, eventType)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.peers)
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("events: websocket upgrade error: %s", err.Error())
		return
	}

	p := newPeer(conn)

	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()

	h.log.Infof("events: peer %s connected", p.id)

	go h.writeLoop(p)
	h.readLoop(p)
}

// readLoop discards client messages and returns when the peer closes.
func (h *Hub) readLoop(p *peer) {
	defer h.remove(p)

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugf("events: peer %s read error: %s", p.id, err.Error())
			}
			return
		}
	}
}

func (h *Hub) writeLoop(p *peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debugf("events: peer %s write error: %s", p.id, err.Error())
				p.cancelFunc()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				p.cancelFunc()
				return
			}
		}
	}
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	h.mu.Unlock()

	p.cancelFunc()
	_ = p.conn.Close()

	h.log.Infof("events: peer %s disconnected", p.id)
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*peer)
	h.mu.Unlock()

	for _, p := range peers {
		p.cancelFunc()
	}
}
