package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Devices are not browsers and carry no meaningful Origin; identity is
// established by the hello handshake inside the socket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleDeviceSocket upgrades the request and hands the socket to the hub,
// which owns it from then on.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("device websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.hub.Attach(ws, r.RemoteAddr)
}
