package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/chordfinder/api/internal/model"
)

const (
	keepAliveInterval = 30 * time.Second
	sendBuffer        = 256
)

// Subscriber is one WebSocket connection watching a single analysis
// job. Its send channel is closed exactly once, always through close,
// so concurrent writers can use trySend without racing the hub.
type Subscriber struct {
	JobID string
	Conn  *websocket.Conn

	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func NewSubscriber(jobID string, conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		JobID: jobID,
		Conn:  conn,
		send:  make(chan []byte, sendBuffer),
	}
}

// Frames exposes the outbound frame stream. The channel is closed when
// the subscriber is detached.
func (s *Subscriber) Frames() <-chan []byte {
	return s.send
}

// trySend queues a frame without blocking. It reports false when the
// subscriber is already closed or its buffer is full.
func (s *Subscriber) trySend(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Hub fans analysis progress out to the subscribers of each job. All
// map mutation happens on the Run goroutine.
type Hub struct {
	subscribers map[string]map[*Subscriber]bool

	register   chan *Subscriber
	unregister chan *Subscriber
	publish    chan *jobMessage

	mu sync.Mutex
}

// jobMessage is a marshaled frame addressed to one job's subscribers.
type jobMessage struct {
	jobID string
	data  []byte
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		publish:     make(chan *jobMessage, sendBuffer),
	}
}

// Register attaches a subscriber to its job's feed.
func (h *Hub) Register(sub *Subscriber) {
	h.register <- sub
}

// Unregister detaches a subscriber and closes its frame stream.
func (h *Hub) Unregister(sub *Subscriber) {
	h.unregister <- sub
}

// Run processes subscription changes and outbound frames until the
// process exits.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if h.subscribers[sub.JobID] == nil {
				h.subscribers[sub.JobID] = make(map[*Subscriber]bool)
			}
			h.subscribers[sub.JobID][sub] = true
			h.mu.Unlock()
			log.Printf("Subscriber attached to job %s", sub.JobID)

		case sub := <-h.unregister:
			h.mu.Lock()
			h.detach(sub)
			h.mu.Unlock()
			log.Printf("Subscriber detached from job %s", sub.JobID)

		case msg := <-h.publish:
			h.mu.Lock()
			for sub := range h.subscribers[msg.jobID] {
				if !sub.trySend(msg.data) {
					// Slow consumer, drop it.
					h.detach(sub)
				}
			}
			h.mu.Unlock()
		}
	}
}

// detach removes a subscriber and closes its stream. Callers hold h.mu.
func (h *Hub) detach(sub *Subscriber) {
	subs, ok := h.subscribers[sub.JobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	sub.close()
	if len(subs) == 0 {
		delete(h.subscribers, sub.JobID)
	}
}

// BroadcastProgress reports an orchestration stage transition.
func (h *Hub) BroadcastProgress(jobID string, progress int, status model.JobStatus, step string) {
	h.send(jobID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       jobID,
		Progress:    progress,
		Status:      status,
		CurrentStep: step,
	})
}

// BroadcastComplete delivers the final analysis result.
func (h *Hub) BroadcastComplete(jobID string, result interface{}) {
	h.send(jobID, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
}

// BroadcastError reports a terminal failure.
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.send(jobID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

func (h *Hub) send(jobID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal job %s frame: %v", jobID, err)
		return
	}
	h.publish <- &jobMessage{jobID: jobID, data: data}
}

// HandleConnection owns one subscriber connection for its lifetime.
// The write side runs in its own goroutine with a keep-alive ticker;
// the read side only answers application-level pings.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	sub := NewSubscriber(jobID, c)

	h.Register(sub)
	defer h.Unregister(sub)

	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case frame, ok := <-sub.send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, frame, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on job %s: %v", jobID, err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			sub.trySend(pong)
		}
	}
}
