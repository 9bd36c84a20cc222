package bench

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// message types sent to websocket clients
const (
	MsgEvent    = "event"
	MsgProgress = "progress"
	MsgSample   = "sample"
	MsgHello    = "connected"
)

// subscriberBuffer is how many messages a slow client may lag before
// messages to it are dropped
const subscriberBuffer = 64

// Message is the envelope of everything sent over /run/ws
type Message struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Progress is the payload of batch progress messages
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Hub fans messages out to websocket clients
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan Message]struct{}
}

// NewHub returns a hub which accepts connections from any origin
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
		subs: map[chan Message]struct{}{},
	}
}

// Publish sends a message to every client without blocking
func (h *Hub) Publish(typ string, payload interface{}) {
	msg := Message{Type: typ, Timestamp: time.Now().UnixMilli(), Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a listener; call the returned func to unregister
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Clients is the number of subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the connection and streams messages until the client
// goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		return
	}
	defer ws.Close()
	msgs, cancel := h.Subscribe()
	defer cancel()

	// reads only serve to notice the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket client: %v", err)
				}
				return
			}
		}
	}()

	if err := ws.WriteJSON(Message{Type: MsgHello, Timestamp: time.Now().UnixMilli()}); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
