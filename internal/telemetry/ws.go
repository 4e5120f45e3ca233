package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	clientBacklog  = 64
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamHub fans queue and session events out to websocket clients. A client
// that cannot keep up is dropped rather than allowed to stall the fan-out.
type streamHub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	subs    []bus.Subscription
}

type streamClient struct {
	conn *websocket.Conn
	send chan *bus.Event
}

func newStreamHub(eventBus bus.EventBus, log *logger.Logger) *streamHub {
	return &streamHub{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "event_stream")),
		clients: make(map[*streamClient]struct{}),
	}
}

func (h *streamHub) start(_ context.Context) error {
	for _, subject := range []string{events.AllWorkItemEvents, events.AllSessionEvents} {
		sub, err := h.bus.Subscribe(subject, h.broadcast)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

func (h *streamHub) stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *streamHub) broadcast(_ context.Context, event *bus.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			// Slow consumer: drop it.
			close(client.send)
			delete(h.clients, client)
		}
	}
	return nil
}

func (h *streamHub) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{conn: conn, send: make(chan *bus.Event, clientBacklog)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

func (h *streamHub) writePump(client *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. Its job is to
// notice the peer going away.
func (h *streamHub) readPump(client *streamClient) {
	defer func() {
		h.drop(client)
		_ = client.conn.Close()
	}()
	client.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *streamHub) drop(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		close(client.send)
		delete(h.clients, client)
	}
}
