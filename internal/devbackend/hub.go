package devbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"call-assist-agent/internal/observability/logging"
)

// Hub fans events out to observer WebSocket connections.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan any
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHub creates a hub. Run must be started before Publish is used.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan any, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.WithComponent("observer-hub"),
	}
}

// Run serves the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("observers", n).Msg("Observer connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("observers", n).Msg("Observer disconnected")

		case event := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteJSON(event); err != nil {
					h.logger.Warn().Err(err).Msg("Observer write error")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues event for every observer. Events are dropped when the
// queue is full.
func (h *Hub) Publish(event any) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Msg("Observer queue full, dropping event")
	}
}

// Observers returns the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an observer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Observers only listen; a read error means they went away.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// MirrorEvent wraps a transcript update read from the agent's Kafka mirror.
type MirrorEvent struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// TailMirror consumes one mirror topic from the last hour and publishes each
// message to the hub until ctx is done.
func (h *Hub) TailMirror(ctx context.Context, brokers []string, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if err := reader.SetOffsetAt(ctx, time.Now().Add(-time.Hour)); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("Could not seek mirror topic; reading from start")
	}
	h.logger.Info().Str("topic", topic).Strs("brokers", brokers).Msg("Tailing transcript mirror")
	h.tail(ctx, reader, topic, time.Second)
}

func (h *Hub) tail(ctx context.Context, reader messageReader, topic string, backoff time.Duration) {
	defer reader.Close()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		if !json.Valid(msg.Value) {
			h.logger.Warn().Str("topic", topic).Msg("Skipping non-JSON mirror message")
			continue
		}
		ev := MirrorEvent{
			Type:  "mirror",
			Topic: topic,
			Key:   string(msg.Key),
			Data:  json.RawMessage(msg.Value),
		}
		for _, hdr := range msg.Headers {
			if hdr.Key == "eventType" {
				ev.EventType = string(hdr.Value)
			}
		}
		h.Publish(ev)
	}
}
