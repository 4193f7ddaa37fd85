package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local client only; origin checks add nothing here.
		return true
	},
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type  string      `json:"type"` // "page", "done", "error"
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// InboxStreamHandler streams inbox pages over a WebSocket as the provider
// yields them, so a first sync can paint incrementally.
func (h *APIHandler) InboxStreamHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	results, err := h.syncMgr.FetchInboxStream(r.Context(), *account)
	if err != nil {
		conn.WriteJSON(WebSocketMessage{Type: "error", Error: err.Error()})
		return
	}

	for result := range results {
		if result.Err != nil {
			conn.WriteJSON(WebSocketMessage{Type: "error", Error: result.Err.Error()})
			return
		}
		if err := conn.WriteJSON(WebSocketMessage{Type: "page", Data: result.Page}); err != nil {
			h.logger.Debug("WebSocket client for %s went away: %v", account.EmailAddress, err)
			return
		}
	}
	conn.WriteJSON(WebSocketMessage{Type: "done"})
}
