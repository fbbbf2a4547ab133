package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	events "parkfleet-cloud/internal/downlink/application/events"
	"parkfleet-cloud/internal/eventing/eventbus"
)

// QueueEventSubscriber registers handlers for queue lifecycle events.
type QueueEventSubscriber interface {
	Subscribe(eventType string, handler eventbus.EventHandler)
}

// SSEBroker fans out queue lifecycle events to connected clients.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan []byte]struct{})}
}

// Attach subscribes the broker to the delivery lifecycle events.
func (b *SSEBroker) Attach(sub QueueEventSubscriber) {
	if b == nil || sub == nil {
		return
	}
	sub.Subscribe(eventbus.EventTypeOf[events.CommandDelivered](), b.forward("delivered"))
	sub.Subscribe(eventbus.EventTypeOf[events.CommandDeadLettered](), b.forward("dead_letter"))
	sub.Subscribe(eventbus.EventTypeOf[events.CommandVerified](), b.forward("verified"))
}

func (b *SSEBroker) forward(name string) eventbus.EventHandler {
	return func(_ context.Context, event any) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil
		}
		b.broadcast(name, payload)
		return nil
	}
}

// Subscribe registers a new client channel.
func (b *SSEBroker) Subscribe() chan []byte {
	if b == nil {
		return nil
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *SSEBroker) Unsubscribe(ch chan []byte) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *SSEBroker) broadcast(name string, payload []byte) {
	frame := []byte("event: " + name + "\ndata: ")
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')

	b.mu.Lock()
	clients := make([]chan []byte, 0, len(b.clients))
	for ch := range b.clients {
		clients = append(clients, ch)
	}
	b.mu.Unlock()
	for _, ch := range clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// StreamHandler serves the SSE queue event stream.
type StreamHandler struct {
	broker *SSEBroker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP handles GET /api/v1/queue/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.Subscribe()
	if ch == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer h.broker.Unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		case <-notify:
			return
		}
	}
}
