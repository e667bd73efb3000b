package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Close codes distinguishing why a handshake or subscription was refused.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseNotFound     = 4404
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("subscriber event queue full")
)

const maxMessageSize = 512

type clientMessage struct {
	Type string `json:"type"`
}

// Conn is one subscribed websocket connection. All network writes happen on
// the single writer goroutine; Deliver only enqueues.
type Conn struct {
	userID  string
	boardID string
	ws      *websocket.Conn
	send    chan Event
	pongReq chan struct{}
	done    chan struct{}
	once    sync.Once
	logger  *log.Logger
}

func NewConn(ws *websocket.Conn, userID, boardID string, buffer int, logger *log.Logger) *Conn {
	return &Conn{
		userID:  userID,
		boardID: boardID,
		ws:      ws,
		send:    make(chan Event, buffer),
		pongReq: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (c *Conn) UserID() string  { return c.userID }
func (c *Conn) BoardID() string { return c.boardID }

// Deliver queues an event for the writer goroutine. A full queue means the
// client has stopped draining; report it stale instead of blocking the
// broadcaster.
func (c *Conn) Deliver(ev Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Run pumps the connection until the peer disconnects or keepalive fails. The
// caller is responsible for registry cleanup after Run returns.
func (c *Conn) Run(pingInterval, pongWait time.Duration) {
	go c.writePump(pingInterval, pongWait/2)
	c.readPump(pongWait)
	c.Close()
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump(pongWait time.Duration) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case c.pongReq <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Conn) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.logger.WithFields(log.Fields{"board": c.boardID, "user": c.userID}).
					WithError(err).Debug("event write failed")
				c.Close()
				return
			}
		case <-c.pongReq:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(clientMessage{Type: "pong"}); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Reject closes a raw websocket during handshake with a distinguishing code.
func Reject(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
