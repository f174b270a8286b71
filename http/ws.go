package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// apiEventsHandler streams hub events to a browser over a websocket. Each
// connection gets its own hub subscription; a reader that cannot keep up is
// dropped by the hub and the socket closes.
var apiEventsHandler = func(evh *hub.Hub) gin.HandlerFunc {
	l := log.Logger.With().Str("component", "http").Str("handler", "events").Logger()
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			l.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		sub := evh.Subscribe()
		go readPump(conn, sub)
		writePump(conn, sub, l)
	}
}

func writePump(conn *websocket.Conn, sub *hub.Subscriber, l zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub dropped us, tell the browser before hanging up.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains control frames and detects a dead peer. Inbound data
// frames are ignored, the event socket is one-way.
func readPump(conn *websocket.Conn, sub *hub.Subscriber) {
	defer sub.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
