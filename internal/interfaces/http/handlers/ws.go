package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Connect upgrades GET /ws/{client_id} and hands the connection to the
// hub. The optional token query parameter rides along as the session's
// user claim.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		w.Header().Set("Content-Type", "application/json")
		h.notInitialized(w, r, "stream hub")
		return
	}

	clientID := mux.Vars(r)["client_id"]
	userID := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the handshake failure.
		return
	}

	if _, err := h.deps.Hub.Register(conn, clientID, userID); err != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}
}
