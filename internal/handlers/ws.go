package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/axelrubianes-glitch/ChatTeam/internal/metrics"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wsutil"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers enforce origin for cookies; sessions here carry no
		// credentials, identity arrives in the join payload.
		return true
	},
}

// envelopeConn adapts a websocket connection to the hubs' Conn interface.
type envelopeConn struct {
	w *wsutil.ThreadSafeWriter
}

func (c envelopeConn) WriteEnvelope(env wire.Envelope) error {
	return c.w.WriteJSON(env)
}

// ChatSocket upgrades the connection and runs the chat session read loop
// until the peer disconnects.
func (h *Handler) ChatSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !isValidRoomID(roomID) {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("chat upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WSConnections.WithLabelValues("chat").Inc()
	defer metrics.WSConnections.WithLabelValues("chat").Dec()

	session := h.chat.NewSession(envelopeConn{w: wsutil.NewThreadSafeWriter(conn)})
	defer session.Close()

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("room_id", roomID).Msg("chat socket closed")
			}
			return
		}
		session.Handle(r.Context(), env)
	}
}

// VoiceSocket upgrades the connection and runs the voice signaling read loop.
func (h *Handler) VoiceSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !isValidRoomID(roomID) {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("voice upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WSConnections.WithLabelValues("voice").Inc()
	defer metrics.WSConnections.WithLabelValues("voice").Dec()

	session := h.voice.NewSession(envelopeConn{w: wsutil.NewThreadSafeWriter(conn)})
	defer session.Close()

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("room_id", roomID).Msg("voice socket closed")
			}
			return
		}
		session.Handle(env)
	}
}
