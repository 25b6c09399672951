package offline0

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Message types sent to clients.
const (
	MsgReady        = "SW_READY"
	MsgSyncSuccess  = "SYNC_SUCCESS"
	MsgSyncFailed   = "SYNC_FAILED"
	MsgNotification = "NOTIFICATION"
)

// Message is a notification delivered to connected clients.
type Message struct {
	Type      string  `json:"type"`
	Data      any     `json:"data,omitempty"`
	BuildID   *string `json:"buildId,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

func newMessage(typ string, data any) Message {
	return Message{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()}
}

// MarshalJSON always writes buildId on SW_READY, as null while the
// deployment id is unknown.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire Message
	if m.Type != MsgReady {
		return json.Marshal(wire(m))
	}
	return json.Marshal(struct {
		wire
		BuildID *string `json:"buildId"`
	}{wire(m), m.BuildID})
}

// readyMessage announces the engine with the deployment id, if known.
func (s *Service) readyMessage() Message {
	m := newMessage(MsgReady, nil)
	if id := s.build.Current(); id != "" {
		m.BuildID = &id
	}
	return m
}

type client struct {
	id         string
	ch         chan Message
	controlled atomic.Bool
}

// clientHub fans messages out to subscribed clients. A subscriber whose
// buffer is full misses the message; Broadcast never blocks. Clients connected
// before activation stay uncontrolled until the next Claim.
type clientHub struct {
	mu      sync.Mutex
	clients map[string]*client
	buf     int

	dropped atomic.Uint64
}

func newClientHub(buf int) *clientHub {
	if buf <= 0 {
		buf = 16
	}
	return &clientHub{clients: map[string]*client{}, buf: buf}
}

func (h *clientHub) Subscribe() (*client, func()) {
	c := &client{id: uuid.NewString(), ch: make(chan Message, h.buf)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c, func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
	}
}

// Broadcast delivers m to controlled clients, or to every client when
// includeUncontrolled is set, and returns how many received it.
func (h *clientHub) Broadcast(m Message, includeUncontrolled bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.clients {
		if !includeUncontrolled && !c.controlled.Load() {
			continue
		}
		select {
		case c.ch <- m:
			n++
		default:
			h.dropped.Add(1)
		}
	}
	return n
}

// Claim marks every connected client as controlled and returns the count.
func (h *clientHub) Claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.controlled.Store(true)
	}
	return len(h.clients)
}

func (h *clientHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serveEvents streams messages as server-sent events until the client goes
// away.
func (s *Service) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c, unsubscribe := s.clients.Subscribe()
	defer unsubscribe()
	if s.State() == StateActivated {
		c.controlled.Store(true)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": client %s\n\n", c.id)
	flusher.Flush()

	log := s.log.With().Str("client", c.id).Logger()
	log.Debug().Msg("client connected")
	defer log.Debug().Msg("client disconnected")

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case m := <-c.ch:
			b, err := json.Marshal(m)
			if err != nil {
				log.Warn().Err(err).Str("type", m.Type).Msg("encode message")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
