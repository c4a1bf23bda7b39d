package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Hub bridges per-user Redis Pub/Sub channels to WebSocket connections.
// A client connects, sends a join message naming its user, and from then on
// receives that user's events until it disconnects. Events published while
// no connection is live are dropped.
type Hub struct {
	client   *redis.Client
	upgrader websocket.Upgrader
	logFn    func(level, msg string)

	mu    sync.Mutex
	conns map[*websocket.Conn]string // conn -> userID, for visibility
}

// NewHub creates a WebSocket fan-out hub on an existing Redis client.
func NewHub(client *redis.Client, logFn func(level, msg string)) *Hub {
	if logFn == nil {
		logFn = func(level, msg string) {}
	}
	return &Hub{
		client: client,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway fronts browser clients on arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logFn: logFn,
		conns: make(map[*websocket.Conn]string),
	}
}

// joinMessage is the first message a client must send.
type joinMessage struct {
	UserID string `json:"userId"`
}

// ServeHTTP upgrades the connection and serves events until disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logFn("warning", "websocket upgrade failed: "+err.Error())
		return
	}
	// The request context dies when ServeHTTP returns; the hijacked
	// connection outlives it.
	go h.serveConn(context.Background(), conn)
}

func (h *Hub) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	var join joinMessage
	if err := conn.ReadJSON(&join); err != nil || join.UserID == "" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected join message"),
			time.Now().Add(writeTimeout))
		return
	}

	h.mu.Lock()
	h.conns[conn] = join.UserID
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := h.client.Subscribe(ctx, Channel(join.UserID))
	defer sub.Close()

	h.logFn("info", "user "+join.UserID+" joined notification stream")

	// Reader goroutine: keeps pong handling alive and detects disconnect.
	go func() {
		defer cancel()
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logFn("warning", "dropping malformed event: "+err.Error())
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// ConnectionCount returns the number of live client connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
