// Package stream fans simulation snapshots and events out to WebSocket
// viewers.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fleet-simulator/internal/logging"
	"fleet-simulator/internal/sim"
)

const writeWait = 10 * time.Second

type updateMessage struct {
	Type       string             `json:"type"`
	Vehicles   []sim.VehicleState `json:"vehicles"`
	ServerTime int64              `json:"serverTime"`
}

type eventMessage struct {
	Type  string    `json:"type"`
	Event sim.Event `json:"event"`
}

type viewer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// write serializes frames per connection; gorilla conns allow only one
// concurrent writer.
func (v *viewer) write(data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected viewers and pushes the fleet to all of them. A slow
// viewer is dropped after the write deadline rather than stalling the rest.
type Hub struct {
	log      logging.Logger
	snapshot func() []sim.VehicleState

	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[uint64]*viewer
	nextID  atomic.Uint64
	closed  bool
}

// NewHub builds a hub. snapshot supplies the current fleet for the initial
// frame sent to every new viewer.
func NewHub(snapshot func() []sim.VehicleState, log logging.Logger) *Hub {
	if snapshot == nil {
		snapshot = func() []sim.VehicleState { return nil }
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		log:      log,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		viewers: make(map[uint64]*viewer),
	}
}

// ServeHTTP upgrades the request, sends the current fleet and streams frames
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	id, v, ok := h.add(conn)
	if !ok {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	h.log.Debug("viewer connected", logging.Int("viewers", h.Count()))

	initial := updateMessage{
		Type:       "update",
		Vehicles:   h.snapshot(),
		ServerTime: time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(initial); err != nil {
		h.log.Error("marshal initial update", logging.Err(err))
	} else if err := v.write(data); err != nil {
		h.drop(id)
		return
	}

	// Viewers send nothing; the read loop only notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(id)
			return
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) (uint64, *viewer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	id := h.nextID.Add(1)
	v := &viewer{conn: conn}
	h.viewers[id] = v
	return id, v, true
}

func (h *Hub) drop(id uint64) {
	h.mu.Lock()
	v, ok := h.viewers[id]
	if ok {
		delete(h.viewers, id)
	}
	h.mu.Unlock()
	if ok {
		v.conn.Close()
		h.log.Debug("viewer disconnected", logging.Int("viewers", h.Count()))
	}
}

// BroadcastUpdate pushes the full vehicle list to every viewer.
func (h *Hub) BroadcastUpdate(vehicles []sim.VehicleState) {
	msg := updateMessage{
		Type:       "update",
		Vehicles:   vehicles,
		ServerTime: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal update", logging.Err(err))
		return
	}
	h.broadcast(data)
}

// BroadcastEvent pushes a single event to every viewer.
func (h *Hub) BroadcastEvent(ev sim.Event) {
	data, err := json.Marshal(eventMessage{Type: "event", Event: ev})
	if err != nil {
		h.log.Error("marshal event", logging.Err(err))
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	targets := make(map[uint64]*viewer, len(h.viewers))
	for id, v := range h.viewers {
		targets[id] = v
	}
	h.mu.Unlock()

	for id, v := range targets {
		if err := v.write(data); err != nil {
			h.log.Warn("dropping viewer on write error", logging.Err(err))
			h.drop(id)
		}
	}
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close sends a close frame to every viewer, disconnects them and refuses
// new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	viewers := h.viewers
	h.viewers = make(map[uint64]*viewer)
	h.mu.Unlock()

	for _, v := range viewers {
		v.mu.Lock()
		v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		v.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		v.mu.Unlock()
		v.conn.Close()
	}
}
