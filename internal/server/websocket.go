package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/runbox/internal/bridge"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // identity is established in front of runbox
	},
}

const writeWait = 10 * time.Second

func (s *Server) handleInteractive(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	// Hijacked connections outlive the request context; shutdown cancels via the manager.
	ctx, release := s.sessions.Track(context.Background(), &ActiveSession{
		ID:     uuid.NewString(),
		Kind:   KindInteractive,
		Target: sessionID,
		UserID: callerID(r),
	})
	defer release()

	s.bridge.Attach(ctx, sessionID, bridge.NewWebSocketStream(conn))
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	ctx, release := s.sessions.Track(context.Background(), &ActiveSession{
		ID:     uuid.NewString(),
		Kind:   KindWatch,
		Target: jobID,
		UserID: callerID(r),
	})
	defer release()

	// The watcher never sends anything; a failed read means it went away.
	go func() {
		defer release()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.notifier.Watch(ctx, jobID, &wsConn{conn: conn})
}

// wsConn sends each payload as one text message.
type wsConn struct {
	conn *websocket.Conn
	once sync.Once
}

func (c *wsConn) Send(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
