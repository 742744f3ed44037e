package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Origins are not checked: every handshake already carries a bearer token.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents upgrades to a WebSocket and streams Event envelopes.
//
// afterSeq=n replays buffered events with seq > n first (or one gap event
// when n is outside the buffer); without it only live events are sent. A
// subscriber that falls behind is closed with 1013 and should reconnect
// with the last seq it saw.
func (s *Server) streamEvents(c *gin.Context) {
	after := int64(-1)
	if raw := c.Query("afterSeq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.fail(c, errs.New(errs.CodeBadRequest, "afterSeq must be a non-negative integer").
				WithDetail("afterSeq", raw))
			return
		}
		after = n
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.engine.Events().Subscribe(after)
	defer sub.Close()
	s.log.Debugw("Event stream opened", "afterSeq", after, "replay", len(sub.Replay), "sessionId", sessionOf(c))

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range sub.Replay {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, open := <-sub.C():
			if !open {
				code, reason := websocket.CloseGoingAway, "server shutting down"
				if sub.Dropped() {
					code, reason = websocket.CloseTryAgainLater, "subscriber fell behind, reconnect with afterSeq"
				}
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	raw, err := gojson.Marshal(ev)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}
