package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"partyquiz-service/internal/app"
	"partyquiz-service/internal/domain"
)

// WSHandler streams game snapshots to spectators over a websocket. It is
// read-only sugar over the poll endpoint: the server polls the snapshot on
// the viewer's behalf and pushes each one down the socket. Game mutations
// still go through the JSON endpoints.
type WSHandler struct {
	service  *app.GameService
	interval time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// WSOption configures a WSHandler.
type WSOption func(*WSHandler)

// WithStreamInterval overrides the snapshot push interval.
func WithStreamInterval(d time.Duration) WSOption {
	return func(h *WSHandler) { h.interval = d }
}

// WithStreamClock injects a clock for deterministic tests.
func WithStreamClock(clock clockwork.Clock) WSOption {
	return func(h *WSHandler) { h.clock = clock }
}

func NewWSHandler(service *app.GameService, log zerolog.Logger, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		service:  service,
		interval: time.Second,
		clock:    clockwork.NewRealClock(),
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type streamMessage struct {
	Type    string           `json:"type"`
	Payload *domain.Snapshot `json:"payload,omitempty"`
}

// ServeWS upgrades GET /games/{code}/watch into a snapshot stream. The stream
// ends with a gameGone message when the game completes its deletion or is
// reclaimed by cleanup.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	// Reject unknown codes before committing to the upgrade.
	snap, err := h.service.Snapshot(r.Context(), code)
	if errors.Is(err, domain.ErrGameNotFound) {
		http.Error(w, "game not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	viewerID := uuid.NewString()
	log := h.log.With().Str("code", code).Str("viewer", viewerID).Logger()
	log.Info().Msg("spectator connected")
	defer log.Info().Msg("spectator disconnected")

	// The read pump only exists to notice the client going away; spectators
	// never send anything meaningful.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(streamMessage{Type: "snapshot", Payload: snap}); err != nil {
		return
	}

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.Chan():
		}

		snap, err := h.service.Snapshot(r.Context(), code)
		if errors.Is(err, domain.ErrGameNotFound) {
			_ = conn.WriteJSON(streamMessage{Type: "gameGone"})
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("snapshot failed, retrying")
			continue
		}
		if err := conn.WriteJSON(streamMessage{Type: "snapshot", Payload: snap}); err != nil {
			return
		}
	}
}
