package reload

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pageforge/pageforge/pkg/logger"
)

// HeartbeatInterval is how often idle connections receive a ping comment
var HeartbeatInterval = 30 * time.Second

// Metrics receives hub activity
type Metrics interface {
	ClientsConnected(n int)
	ReloadBroadcast(kind string, clients, dropped int)
}

// Hub fans notifications out to browsers connected over server-sent events
type Hub struct {
	mu      sync.RWMutex
	nextID  int
	seq     uint64
	clients map[int]*client
	closed  bool
	logger  logger.Logger
	metrics Metrics
}

type client struct {
	id   int
	ch   chan []byte
	done chan struct{}
}

type event struct {
	Type  Kind   `json:"type"`
	Asset string `json:"asset,omitempty"`
	ID    string `json:"id"`
}

// NewHub creates a hub. metrics may be nil.
func NewHub(log logger.Logger, metrics Metrics) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients: make(map[int]*client),
		logger:  log,
		metrics: metrics,
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP implements the SSE endpoint
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	c := &client{ch: make(chan []byte, 8), done: make(chan struct{})}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "livereload shutting down", http.StatusServiceUnavailable)
		return
	}
	c.id = h.nextID
	h.nextID++
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.reportClients(count)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(": connected\n\n"); err != nil {
		h.removeClient(c.id)
		return
	}
	if err := bw.Flush(); err == nil {
		flusher.Flush()
	}

	hb := time.NewTicker(HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.removeClient(c.id)
			return
		case <-c.done:
			return
		case <-hb.C:
			if _, err := bw.WriteString(": ping\n\n"); err == nil && bw.Flush() == nil {
				flusher.Flush()
			}
		case payload := <-c.ch:
			if _, err := fmt.Fprintf(bw, "data: %s\n\n", payload); err != nil {
				h.logger.Debug("livereload write failed", logger.WithError(err))
				continue
			}
			if err := bw.Flush(); err == nil {
				flusher.Flush()
			}
		}
	}
}

// Notify implements Notifier. Clients whose buffers are full are dropped.
func (h *Hub) Notify(scope Scope) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.seq++
	seq := h.seq
	snapshot := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	payload, err := json.Marshal(event{
		Type:  scope.Kind,
		Asset: string(scope.Asset),
		ID:    eventID(scope, seq),
	})
	if err != nil {
		return
	}

	dropped := 0
	for _, c := range snapshot {
		select {
		case c.ch <- payload:
		default:
			dropped++
			h.removeClient(c.id)
		}
	}

	if h.metrics != nil {
		h.metrics.ReloadBroadcast(string(scope.Kind), len(snapshot), dropped)
	}
	h.logger.Debug("livereload broadcast",
		logger.WithField("scope", scope.String()),
		logger.WithField("clients", len(snapshot)),
		logger.WithField("dropped", dropped))
}

// Shutdown disconnects all clients and ignores further notifications
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[int]*client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.done)
	}
	h.reportClients(0)
}

func (h *Hub) removeClient(id int) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.done)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.reportClients(count)
	}
}

func (h *Hub) reportClients(n int) {
	if h.metrics != nil {
		h.metrics.ClientsConnected(n)
	}
}

// eventID is a short stable id clients use to cache-bust injected assets
func eventID(scope Scope, seq uint64) string {
	sum := xxhash.Sum64String(scope.String() + ":" + strconv.FormatUint(seq, 10))
	return strconv.FormatUint(sum, 36)
}
