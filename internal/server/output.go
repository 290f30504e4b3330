package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleOutput streams the live output of a running node over a websocket.
// The buffered output is sent first; the socket closes when the worker exits.
func (r *Router) handleOutput(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	snapshot, chunks, cancel, err := r.deps.Nodes.Tail(id)
	if err != nil {
		respondError(c, http.StatusConflict, "Node is not running", err)
		return
	}
	defer cancel()

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied
		r.log.Warn("websocket upgrade failed", "node", id, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// reader: handles control frames and notices a closed client
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(kind int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(kind, data)
	}
	if snapshot != "" {
		if err := write(websocket.TextMessage, []byte(snapshot)); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited"))
				return
			}
			if err := write(websocket.TextMessage, chunk); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
