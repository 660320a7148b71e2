package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsSubscriber adapts a gorilla/websocket connection to the Subscriber
// interface. Writes are serialized through a mutex since gorilla's
// Conn forbids concurrent writers.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSubscriber{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Context() context.Context { return s.ctx }

func (s *wsSubscriber) Send(event models.ServiceChangeEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(event)
}

func (s *wsSubscriber) Close() error {
	s.cancel()
	return s.conn.Close()
}

// ping periodically pings the connection so proxies don't reap it as
// idle, and so a dead peer is detected and unsubscribed promptly.
func (s *wsSubscriber) ping(hub *Hub) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				hub.Unsubscribe(s)
				return
			}
		}
	}
}

// readLoop discards inbound frames (this is a server-push-only feed)
// but must keep reading so control frames (close, pong) are processed
// and the connection's disconnect is detected.
func (s *wsSubscriber) readLoop(hub *Hub) {
	defer hub.Unsubscribe(s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection and
// registers it with the hub as a push subscriber. Intended to be
// mounted at the Registry API's watch endpoint.
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := newWSSubscriber(conn)
	f.hub.Subscribe(sub)

	go sub.ping(f.hub)
	go sub.readLoop(f.hub)
}
