package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

const defaultBroadcastInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// WebSocketServer pushes the live run status to connected clients.
type WebSocketServer struct {
	status   StatusProvider
	interval time.Duration
	logger   *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a WebSocketServer.
func NewWebSocketServer(status StatusProvider, interval time.Duration, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultBroadcastInterval
	}
	return &WebSocketServer{
		status:   status,
		interval: interval,
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
		done:     make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler. A new client receives the
// current status right away.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("websocket upgrade failed", slog.Any("error", err))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = true
		total := len(ws.clients)
		// written under the lock so it cannot race a broadcast
		ws.write(conn, ws.status.Status())
		ws.clientsMu.Unlock()

		ws.logger.Debug("websocket client connected", slog.Int("clients", total))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			ws.clientsMu.Unlock()
			conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("websocket read error", slog.Any("error", err))
				}
				return
			}
		}
	}
}

// Start begins broadcasting.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop ends broadcasting and closes every client.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)

		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]bool)
		ws.clientsMu.Unlock()
	})
}

// broadcastLoop pushes the status on every tick while a run is active and
// whenever it changes otherwise.
func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	var last types.LiveStatus
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			st := ws.status.Status()
			if st.Active() || st != last {
				ws.broadcast(st)
			}
			last = st
		}
	}
}

func (ws *WebSocketServer) broadcast(st types.LiveStatus) {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	for conn := range ws.clients {
		ws.write(conn, st)
	}
}

// write must be called with clientsMu held; gorilla connections allow a
// single concurrent writer.
func (ws *WebSocketServer) write(conn *websocket.Conn, st types.LiveStatus) {
	data, err := json.Marshal(st)
	if err != nil {
		ws.logger.Error("marshal status", slog.Any("error", err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.logger.Debug("websocket write failed", slog.Any("error", err))
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
