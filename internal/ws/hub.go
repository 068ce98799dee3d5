// Package ws fans bus events out to authenticated WebSocket subscribers.
// Connections are indexed by tenant; each event is serialized once and
// pushed to every connection of its tenant plus the MSP staff watching the
// system scope. Slow clients lose their oldest pending message and learn
// about it through a congested flag, so they resync over REST instead of
// stalling the fanout.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/metrics"
	"github.com/alertmesh/backend/internal/storage"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 4096 // clients only listen; inbound frames stay tiny

	// queueLimit bounds per-connection pending messages; overflow drops the
	// oldest entry.
	queueLimit = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin allows everything outside production; in production the
// AM_ALLOWED_ORIGINS list gates the upgrade.
func buildCheckOrigin() func(r *http.Request) bool {
	if os.Getenv("AM_ENV") != "production" {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(os.Getenv("AM_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// envelope is the wire shape: the event, plus the congested marker when the
// connection previously overflowed.
type envelope struct {
	*events.Event
	Congested bool `json:"congested,omitempty"`
}

// Conn is one subscriber. All writes go through the pending queue and the
// write pump, so ping, event, and close frames never race.
type Conn struct {
	hub      *Hub
	tenantID string
	userID   string
	sock     *websocket.Conn

	mu        sync.Mutex
	pending   []*events.Event
	payloads  [][]byte
	congested bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// enqueue appends an event, shedding the oldest entry on overflow. Shared
// payload bytes ride along so the common path never re-serializes.
func (c *Conn) enqueue(ev *events.Event, payload []byte) {
	c.mu.Lock()
	if len(c.pending) >= queueLimit {
		c.pending = c.pending[1:]
		c.payloads = c.payloads[1:]
		c.congested = true
	}
	c.pending = append(c.pending, ev)
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// nextBatch drains the queue into wire-ready frames. The first frame after
// an overflow is re-marshaled with the congested flag; everything else uses
// the shared serialization.
func (c *Conn) nextBatch() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(c.pending))
	for i, ev := range c.pending {
		if i == 0 && c.congested {
			frame, err := json.Marshal(envelope{Event: ev, Congested: true})
			if err == nil {
				out = append(out, frame)
				c.congested = false
				continue
			}
		}
		out = append(out, c.payloads[i])
	}
	c.pending = c.pending[:0]
	c.payloads = c.payloads[:0]
	return out
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.sock.Close()
		c.hub.unregister(c)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.wake:
			for _, frame := range c.nextBatch() {
				c.sock.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump exists to observe pongs and disconnects; client frames carry no
// commands.
func (c *Conn) readPump() {
	defer c.close()

	c.sock.SetReadLimit(maxMsgSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.sock.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub owns the tenant index and the bus subscription.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}

	ops    *metrics.Metrics
	logger *log.Logger

	unsubscribe func()
}

func NewHub(ops *metrics.Metrics) *Hub {
	return &Hub{
		conns:  make(map[string]map[*Conn]struct{}),
		ops:    ops,
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// Start subscribes the hub to every bus topic.
func (h *Hub) Start(bus *events.Bus) {
	ch := bus.Subscribe()
	h.unsubscribe = func() { bus.Unsubscribe(ch) }
	go func() {
		for ev := range ch {
			h.broadcast(ev)
		}
	}()
}

// Stop detaches from the bus and closes every connection.
func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.RLock()
	var all []*Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

// broadcast serializes once and fans out to the event's tenant and to the
// system-scope watchers.
func (h *Hub) broadcast(ev *events.Event) {
	payload, err := ev.JSON()
	if err != nil {
		h.logger.Printf("unencodable event %s dropped: %v", ev.ID, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, 8)
	for c := range h.conns[ev.TenantID] {
		targets = append(targets, c)
	}
	if ev.TenantID != storage.SystemScope {
		for c := range h.conns[storage.SystemScope] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(ev, payload)
	}
}

// ServeWS upgrades the request and runs the connection pumps. The caller
// has already authenticated the user and picked the watch scope.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID, userID string) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	c := &Conn{
		hub:      h,
		tenantID: tenantID,
		userID:   userID,
		sock:     sock,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.tenantID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.tenantID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if h.ops != nil {
		h.ops.WSConnections.Inc()
	}
	h.logger.Printf("connection opened (tenant %s, user %s)", c.tenantID, c.userID)
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.tenantID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			if len(set) == 0 {
				delete(h.conns, c.tenantID)
			}
			if h.ops != nil {
				h.ops.WSConnections.Dec()
			}
		}
	}
	h.mu.Unlock()
}

// ConnectionCount reports live connections, for the health endpoint.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}
