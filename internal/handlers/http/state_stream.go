package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicelink/internal/core/domain"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
	streamWriteTimeout  = 10 * time.Second
)

// StateMessage is one frame on the state stream.
type StateMessage struct {
	Type string               `json:"type"`
	Call *domain.CallSnapshot `json:"call,omitempty"`
}

// StateStream pushes call snapshots to a websocket until the client goes
// away or the session is stopped.
type StateStream struct {
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       *zap.SugaredLogger
}

// NewStateStream builds a stream; an empty or "*" origin list accepts any
// origin.
func NewStateStream(allowedOrigins []string, pingInterval, pongTimeout time.Duration, logger *zap.SugaredLogger) *StateStream {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if pongTimeout <= pingInterval {
		pongTimeout = 2 * pingInterval
	}
	return &StateStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		logger:       logger.Named("stream"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Events upgrades the request and streams the caller's call state.
func (h *CallHandler) Events(c *gin.Context) {
	svc, ok := h.session(c)
	if !ok {
		return
	}
	h.stream.Serve(c.Writer, c.Request, svc.UserID(), svc.Watch)
}

// Serve runs one connection. watch is the session's Watch method.
func (s *StateStream) Serve(w http.ResponseWriter, r *http.Request, userID domain.UserID, watch func() (<-chan domain.CallSnapshot, func())) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Infow("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := watch()
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	// The client never sends anything meaningful; reading drives the pong
	// handler and notices the close frame.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	s.logger.Debugw("State stream opened", "user_id", userID)
	defer s.logger.Debugw("State stream closed", "user_id", userID)

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				s.write(conn, StateMessage{Type: "closed"})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "signed out"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			if err := s.write(conn, StateMessage{Type: "state", Call: &snap}); err != nil {
				s.logger.Infow("State write failed", "user_id", userID, "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("Ping failed", "user_id", userID, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("State stream read failed", "user_id", userID, "error", err)
			}
			return
		}
	}
}

func (s *StateStream) write(conn *websocket.Conn, msg StateMessage) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(msg)
}
