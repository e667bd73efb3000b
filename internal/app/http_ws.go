package app

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"corkboard/api/internal/rbac"
	"corkboard/api/internal/realtime"
)

// handleBoardSocket upgrades GET /ws/boards/{id}?token=... into a live board
// subscription. The upgrade happens before validation so the client gets a
// distinguishing close code instead of a bare HTTP error: 4401 bad token,
// 4403 no access, 4404 unknown board.
func (s *HTTPServer) handleBoardSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	boardID := strings.TrimPrefix(r.URL.Path, "/ws/boards/")
	if boardID == "" || strings.Contains(boardID, "/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if s.cfg.CORSOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.cfg.CORSOrigin
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	session, err := s.service.SessionFromToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		realtime.Reject(ws, realtime.CloseUnauthorized, "invalid token")
		return
	}

	_, role, err := s.service.BoardRole(r.Context(), boardID, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			realtime.Reject(ws, realtime.CloseNotFound, "unknown board")
			return
		}
		realtime.Reject(ws, websocket.CloseInternalServerErr, "server error")
		return
	}
	if !rbac.Can(role, rbac.ActionRead) {
		realtime.Reject(ws, realtime.CloseForbidden, "no access to board")
		return
	}

	conn := realtime.NewConn(ws, session.UserID, boardID, s.cfg.EventBuffer, s.logger)
	registry := s.service.Registry()
	registry.Subscribe(conn)
	s.logger.WithFields(log.Fields{"board": boardID, "user": session.UserID}).Debug("board subscriber joined")

	conn.Run(s.cfg.PingInterval, s.cfg.PongWait)

	registry.Unsubscribe(conn)
	s.logger.WithFields(log.Fields{"board": boardID, "user": session.UserID}).Debug("board subscriber left")
}
