package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 64 << 10
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

func (h *handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(h.origins, "*") {
				return true
			}
			return slices.Contains(h.origins, origin)
		},
	}
}

// queryWebSocket serves streamed queries over one connection. Each text
// frame is a queryRequest; the answer comes back as "chunk" messages and a
// final "done" or "error" message. Queries on a connection run one at a
// time.
func (h *handlers) queryWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := r.Context()
	pingDone := make(chan struct{})
	defer close(pingDone)
	writes := make(chan streamMessage)
	writeErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case msg := <-writes:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(msg); err != nil {
					writeErr <- err
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	send := func(msg streamMessage) bool {
		select {
		case writes <- msg:
			return true
		case err := <-writeErr:
			h.logger.Debug("websocket write failed", "err", err)
			return false
		}
	}

	h.logger.Info("websocket client connected", "remote", r.RemoteAddr)
	defer h.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var req queryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !send(streamMessage{Type: "error", Error: "invalid message: " + err.Error(), Status: http.StatusBadRequest}) {
				return
			}
			continue
		}
		if err := req.validate(); err != nil {
			if !send(streamMessage{Type: "error", Error: err.Error(), Status: http.StatusBadRequest}) {
				return
			}
			continue
		}

		chunks, err := h.queries.StreamQuery(ctx, req.context(), req.options())
		if err != nil {
			if !send(streamMessage{Type: "error", Error: err.Error(), Status: statusFor(err)}) {
				return
			}
			continue
		}
		alive := true
		for c := range chunks {
			if !alive {
				continue
			}
			_, msg := streamEvent(c)
			alive = send(msg)
		}
		if !alive {
			return
		}
		// Pongs are only handled while reading.
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}
