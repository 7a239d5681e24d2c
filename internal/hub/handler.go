package hub

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Handler upgrades HTTP requests to WebSocket clients of a Hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(h *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     CheckOrigin(allowedOrigins),
		},
	}
}

// RegisterRoutes mounts the WebSocket endpoint at path.
func (h *Handler) RegisterRoutes(r *mux.Router, path string) {
	r.HandleFunc(path, h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		h.hub.opts.logger.Warn("hub upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	c := newClient(h.hub, conn)
	if !h.hub.Register(c) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub stopped"))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
