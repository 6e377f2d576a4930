// Package websocket streams build progress events to subscribed clients.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"forgebuild/internal/logging"
	"forgebuild/internal/metrics"
	"forgebuild/internal/supervisor"
)

// Hub fans out supervisor events to clients subscribed per build.
type Hub struct {
	rooms map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan supervisor.Event
	shutdown   chan struct{}

	log *zap.Logger
	mu  sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress streams carry no user input beyond subscription; same-host
	// tooling and curl-style clients send no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan supervisor.Event, 64),
		shutdown:   make(chan struct{}),
	}
}

// Run is the hub's main loop. Call it once in a goroutine.
func (h *Hub) Run() {
	h.log = logging.L().Named("ws.hub")
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for _, room := range h.rooms {
				for client := range room {
					close(client.send)
				}
			}
			h.rooms = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Shutdown stops the loop and disconnects every client.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// Publish queues a supervisor event for broadcast. It never blocks the
// build loop: when the hub is saturated the event is dropped.
func (h *Hub) Publish(ev supervisor.Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// subscribe hands a client to the run loop. A hub that is already shut
// down accepts nobody; the caller must close the connection itself.
func (h *Hub) subscribe(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.shutdown:
		return false
	}
}

// unsubscribe hands a departing client to the run loop. After shutdown
// the loop is gone and has already closed every send channel, so there
// is nothing left to do.
func (h *Hub) unsubscribe(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.shutdown:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[c.buildID] == nil {
		h.rooms[c.buildID] = make(map[*Client]bool)
	}
	h.rooms[c.buildID][c] = true
	metrics.Get().WSConnectionsGauge.Inc()
	h.log.Debug("client subscribed", zap.String("build_id", c.buildID))
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[c.buildID]
	if room == nil || !room[c] {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.buildID)
	}
	close(c.send)
	metrics.Get().WSConnectionsGauge.Dec()
}

func (h *Hub) broadcast(ev supervisor.Event) {
	h.mu.RLock()
	room := h.rooms[ev.BuildID]
	h.mu.RUnlock()
	if room == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range room {
		select {
		case client.send <- payload:
		default:
			// Slow consumer, drop it rather than stall the build stream.
			delete(room, client)
			close(client.send)
			metrics.Get().WSConnectionsGauge.Dec()
		}
	}
}

// SubscriberCount reports how many clients watch a build.
func (h *Hub) SubscriberCount(buildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[buildID])
}

// HandleWebSocket upgrades the request and subscribes the connection to
// the build named in the :id path parameter.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	buildID := c.Param("id")
	if buildID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "build id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:    conn,
		buildID: buildID,
		send:    make(chan []byte, 64),
		hub:     h,
		joined:  time.Now(),
	}
	if !h.subscribe(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
