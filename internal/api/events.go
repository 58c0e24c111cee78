package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/postmare/internal/mailbag"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventMessage is one frame on the event stream.
type EventMessage struct {
	Type    string        `json:"type"`
	Payload mailbag.Event `json:"payload"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Hub fans queue events out to websocket subscribers. A subscriber that
// cannot keep up loses events rather than stalling the queue.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	log  *logrus.Entry
}

// NewHub creates an empty Hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		log:  logger.WithField("component", "events"),
	}
}

// Publish sends ev to every subscriber. It never blocks.
func (h *Hub) Publish(ev mailbag.Event) {
	data, err := json.Marshal(EventMessage{Type: "event", Payload: ev})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- data:
		default:
		}
	}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades to a websocket and streams events until the client
// goes away.
// GET /local/events
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade")
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, eventBuffer), done: make(chan struct{})}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		conn.Close()
	}()

	go h.writeLoop(s)

	// The stream is one-way; reads only detect the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("websocket read")
			}
			close(s.done)
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
