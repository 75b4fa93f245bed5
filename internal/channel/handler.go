package channel

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fablink/messaging/internal/config"
	"github.com/fablink/messaging/internal/identity"
)

// Handler upgrades authenticated requests into delivery channels.
type Handler struct {
	manager  *Manager
	cfg      config.ChannelConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(manager *Manager, cfg config.ChannelConfig, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The token already authenticates the request; the channel is not
			// cookie-authenticated, so cross-origin opens are harmless.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeWS opens a delivery channel for the authenticated identity. The
// request must have passed the identity middleware.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identityID, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("identity_id", identityID).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(identityID, ws, h.cfg)
	h.manager.Attach(conn)

	// The read pump is this handler goroutine: it returns on disconnect or
	// heartbeat timeout, and the binding is released if still ours.
	conn.readPump()
	h.manager.Detach(conn)
}
