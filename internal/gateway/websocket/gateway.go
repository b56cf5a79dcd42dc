// Package websocket streams session activity to connected observers. It
// subscribes to the event bus rather than the session manager, so closing the
// gateway never stalls a session.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Gateway fans bus activity out to websocket clients.
type Gateway struct {
	bus      bus.EventBus
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	sub     bus.Subscription
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New builds the gateway over the given bus.
func New(eventBus bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to all session activity subjects.
func (g *Gateway) Start() error {
	sub, err := g.bus.Subscribe("session.*.activity", func(ctx context.Context, event *bus.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		g.broadcast(payload)
		return nil
	})
	if err != nil {
		return err
	}
	g.sub = sub
	return nil
}

// Stop unsubscribes and disconnects every client.
func (g *Gateway) Stop() {
	if g.sub != nil {
		_ = g.sub.Unsubscribe()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		close(c.send)
		delete(g.clients, c)
	}
}

func (g *Gateway) broadcast(payload []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop it rather than block the bus handler.
			close(c.send)
			delete(g.clients, c)
		}
	}
}

// Handle upgrades a request to a websocket and streams activity until the
// peer goes away.
func (g *Gateway) Handle(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	g.mu.Lock()
	g.clients[cl] = struct{}{}
	g.mu.Unlock()

	go g.writePump(cl)
	g.readPump(cl)
}

func (g *Gateway) readPump(cl *client) {
	defer func() {
		g.mu.Lock()
		if _, ok := g.clients[cl]; ok {
			close(cl.send)
			delete(g.clients, cl)
		}
		g.mu.Unlock()
		cl.conn.Close()
	}()
	cl.conn.SetReadLimit(512)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Inbound frames are ignored; the socket is outbound-only.
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
