package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/database"
	"github.com/ekaya-inc/ekaya-broker/pkg/middleware"
	"github.com/ekaya-inc/ekaya-broker/pkg/pool"
)

const (
	sessionWriteTimeout  = 10 * time.Second
	defaultStatsInterval = 5 * time.Second
)

// SessionMessage is pushed to every open session.
type SessionMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Time      time.Time    `json:"time"`
	Pools     []pool.Stats `json:"pools"`
}

// SessionHandler serves long-lived websocket sessions. Each session owns one
// connection scope for its whole life and receives pool statistics every
// interval until the client goes away.
type SessionHandler struct {
	stats    StatsSource
	interval time.Duration
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewSessionHandler creates a SessionHandler. A non-positive interval uses 5s.
func NewSessionHandler(stats StatsSource, interval time.Duration, logger *zap.Logger) *SessionHandler {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &SessionHandler{
		stats:    stats,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request and runs the session until either side closes it.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromContext(r.Context(), h.logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ctx, release := database.WithConnectionScope(ctx, logger)
	defer release()

	scope, _ := database.GetConnectionScope(ctx)
	sessionID := scope.ID().String()
	logger = logger.With(zap.String("session_id", sessionID))
	logger.Info("Session opened", zap.String("remote_addr", r.RemoteAddr))

	// Inbound frames carry no protocol; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.push(conn, sessionID); err != nil {
			logger.Debug("Session write failed", zap.Error(err))
			break
		}
		select {
		case <-ctx.Done():
			logger.Info("Session closed")
			return
		case <-ticker.C:
		}
	}
	logger.Info("Session closed")
}

func (h *SessionHandler) push(conn *websocket.Conn, sessionID string) error {
	msg := SessionMessage{
		Type:      "pool_stats",
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Pools:     h.stats.Stats(),
	}
	if msg.Pools == nil {
		msg.Pools = []pool.Stats{}
	}
	if err := conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
