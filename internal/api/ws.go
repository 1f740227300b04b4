package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/campusmesh/go-campus-alerts/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients connect from school-managed apps on arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWS upgrades an authenticated request into a live connection bound to
// the caller's institution (optionally narrowed to one room). Each connection
// gets a write deadline per event, so one unresponsive client cannot stall
// fan-out to the rest.
func (h *Handler) serveWS(c *gin.Context) {
	claims := claimsFrom(c)
	scope := broadcast.Scope{
		InstitutionID: claims.InstitutionID,
		Room:          c.Query("room"),
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	id, events := h.hub.Subscribe(scope)

	go h.writePump(conn, events)
	h.readPump(conn, id)
}

func (h *Handler) writePump(conn *websocket.Conn, events chan broadcast.Event) {
	defer conn.Close()
	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	// Hub closed the channel; tell the client before dropping the socket.
	conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readPump blocks until the peer disconnects, then releases the subscription.
func (h *Handler) readPump(conn *websocket.Conn, id uint64) {
	defer h.hub.Unsubscribe(id)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
