package websocket

import (
	"net/http"
	"time"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades the request and runs the connection as a hub
// client until it closes. An empty origins list accepts any origin.
func HandleWebSocket(hub *Hub, origins []string) http.HandlerFunc {
	opts := &ws.AcceptOptions{OriginPatterns: origins}
	if len(origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// The server's read and write timeouts would otherwise close the
		// socket after the first few seconds.
		rc := http.NewResponseController(w)
		rc.SetReadDeadline(time.Time{})
		rc.SetWriteDeadline(time.Time{})

		conn, err := ws.Accept(w, r, opts)
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err, "remote", r.RemoteAddr)
			return
		}

		hub.logger.Debug("websocket connected", "remote", r.RemoteAddr)
		NewClient(hub, conn).Run(r.Context())
		hub.logger.Debug("websocket closed", "remote", r.RemoteAddr)
	}
}
