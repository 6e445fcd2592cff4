// Package stream fans job and pool events out to browsers over server-sent
// events.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxConcurrentConnections caps open SSE connections per hub.
	MaxConcurrentConnections = 256
	// ClientChannelBuffer is the per-client message backlog.
	ClientChannelBuffer = 256
	// KeepAliveInterval spaces comment frames on idle connections.
	KeepAliveInterval = 30 * time.Second
	// CleanupInterval is how often stale clients are dropped.
	CleanupInterval = 60 * time.Second
	// HubBroadcastBuffer is the hub's queue depth.
	HubBroadcastBuffer = 2048
)

// Message is one SSE event.
type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type client struct {
	id       string
	ch       chan Message
	lastSeen atomic.Int64 // unix seconds
	sent     atomic.Int64
}

// Stats are the hub's counters.
type Stats struct {
	ActiveConnections   int64 `json:"active_connections"`
	TotalMessages       int64 `json:"total_messages"`
	MaxConnections      int64 `json:"max_connections"`
	DroppedBroadcasts   int64 `json:"dropped_broadcasts"`
	DroppedClientMsgs   int64 `json:"dropped_client_msgs"`
	RejectedConnections int64 `json:"rejected_connections"`
}

// Hub tracks clients and delivers broadcasts without ever blocking the
// producer: a full hub queue or client buffer drops the message.
type Hub struct {
	clients   sync.Map // chan Message -> *client
	active    atomic.Int64
	total     atomic.Int64
	dropped   atomic.Int64
	droppedCl atomic.Int64
	rejected  atomic.Int64
	broadcast chan Message
	shutdown  chan struct{}
	once      sync.Once
	Logger    *slog.Logger
}

// NewHub starts a hub's delivery and cleanup loops.
func NewHub() *Hub {
	h := &Hub{
		broadcast: make(chan Message, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
	}
	go h.run()
	go h.cleanupLoop()
	return h
}

var defaultHub = NewHub()

// Default returns the process-wide hub.
func Default() *Hub { return defaultHub }

func (h *Hub) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Stats returns a snapshot of the counters.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections:   h.active.Load(),
		TotalMessages:       h.total.Load(),
		MaxConnections:      MaxConcurrentConnections,
		DroppedBroadcasts:   h.dropped.Load(),
		DroppedClientMsgs:   h.droppedCl.Load(),
		RejectedConnections: h.rejected.Load(),
	}
}

// Add registers ch. It returns false when the hub is full.
func (h *Hub) Add(ch chan Message, remoteAddr string) bool {
	if h.active.Load() >= MaxConcurrentConnections {
		h.rejected.Add(1)
		h.log().Warn("sse connection limit reached", "remote", remoteAddr, "limit", MaxConcurrentConnections)
		return false
	}
	c := &client{id: fmt.Sprintf("%d-%s", time.Now().UnixNano(), remoteAddr), ch: ch}
	c.lastSeen.Store(time.Now().Unix())
	h.clients.Store(ch, c)
	n := h.active.Add(1)
	h.log().Debug("sse client connected", "client", c.id, "active", n)
	return true
}

// Remove unregisters ch. Unknown channels are ignored. The channel is left
// open since the delivery loop may still hold it.
func (h *Hub) Remove(ch chan Message) {
	v, ok := h.clients.LoadAndDelete(ch)
	if !ok {
		return
	}
	n := h.active.Add(-1)
	h.log().Debug("sse client disconnected", "client", v.(*client).id, "active", n)
}

func (h *Hub) touch(ch chan Message) {
	if v, ok := h.clients.Load(ch); ok {
		v.(*client).lastSeen.Store(time.Now().Unix())
	}
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastJSON marshals v as the message body.
func (h *Hub) BroadcastJSON(eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log().Error("marshal sse event", "type", eventType, "error", err)
		return
	}
	h.Broadcast(Message{Type: eventType, Msg: string(data)})
}

func (h *Hub) run() {
	for {
		select {
		case msg := <-h.broadcast:
			h.clients.Range(func(key, value any) bool {
				c := value.(*client)
				select {
				case c.ch <- msg:
					c.lastSeen.Store(time.Now().Unix())
					c.sent.Add(1)
					h.total.Add(1)
				default:
					h.droppedCl.Add(1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.dropStale(time.Now().Add(-2 * CleanupInterval))
		case <-h.shutdown:
			return
		}
	}
}

// dropStale removes clients not reached since before.
func (h *Hub) dropStale(before time.Time) int {
	var stale []chan Message
	h.clients.Range(func(key, value any) bool {
		if value.(*client).lastSeen.Load() < before.Unix() {
			stale = append(stale, key.(chan Message))
		}
		return true
	})
	for _, ch := range stale {
		h.Remove(ch)
	}
	if len(stale) > 0 {
		h.log().Info("dropped stale sse clients", "count", len(stale))
	}
	return len(stale)
}

// Shutdown stops the loops and disconnects every client.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, value any) bool {
			h.Remove(key.(chan Message))
			return true
		})
	})
}

// ServeHTTP streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := make(chan Message, ClientChannelBuffer)
	if !h.Add(ch, r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.Remove(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	if _, err := io.WriteString(w, formatSSEResponse(Message{Type: "connected", Msg: `{"msg":"SSE connection established"}`})); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.shutdown:
			return
		case msg := <-ch:
			if _, err := io.WriteString(w, formatSSEResponse(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			h.touch(ch)
		}
	}
}

func formatSSEResponse(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}

// Broadcast queues msg on the default hub.
func Broadcast(msg Message) { defaultHub.Broadcast(msg) }

// BroadcastJSON queues v on the default hub.
func BroadcastJSON(eventType string, v any) { defaultHub.BroadcastJSON(eventType, v) }

// StreamHandler serves the default hub.
func StreamHandler(w http.ResponseWriter, r *http.Request) { defaultHub.ServeHTTP(w, r) }
