package websocket

import (
	"net/http"
	"time"

	ws "github.com/coder/websocket"
)

// HandleFeed upgrades the connection and streams entitlement changes until the
// client goes away. Authentication happens in front of this handler.
func HandleFeed(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The server write timeout is sized for webhook requests, not streams.
		rc := http.NewResponseController(w)
		rc.SetReadDeadline(time.Time{})
		rc.SetWriteDeadline(time.Time{})

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // admin token already checked; origin is not meaningful for tooling
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn)
		client.Run(r.Context())
	}
}
