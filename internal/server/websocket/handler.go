package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize bounds client-to-server messages. Stream clients only
	// ever send control frames.
	maxMessageSize = 4096

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler upgrades a request to a WebSocket and streams every record the
// Broadcaster publishes to it as a text message until either side closes.
type Handler struct {
	bc           *Broadcaster
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 selects 10s.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	// Upgrade replies with an HTTP error itself on failure.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket: upgrade rejected", slog.Any("error", err))
		return
	}

	id := uuid.NewString()
	log := h.logger.With(slog.String("client_id", id), slog.String("remote_addr", conn.RemoteAddr().String()))
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("websocket: close failed", slog.Any("error", err))
		}
	}()

	client := h.bc.Register(id)
	defer h.bc.Unregister(id)
	log.Info("websocket: stream client connected")

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The reader only drives control frames: pings are answered and a close
	// is echoed by the connection's default handlers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("websocket: unexpected close", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Info("websocket: stream client disconnected")
			return

		case msg, ok := <-client.Send():
			if !ok {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(h.writeTimeout)); err != nil {
					log.Debug("websocket: write close failed", slog.Any("error", err))
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn("websocket: write failed", slog.Any("error", err))
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				log.Warn("websocket: ping failed", slog.Any("error", err))
				return
			}
		}
	}
}
