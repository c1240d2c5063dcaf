package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"partyquiz-service/internal/app"
	"partyquiz-service/internal/domain"
)

// Handler exposes the game session engine over plain JSON endpoints. Clients
// drive everything by polling GET /games/{code}; mutations are POSTs carrying
// the acting player's name.
type Handler struct {
	service *app.GameService
	log     zerolog.Logger
}

func NewHandler(service *app.GameService, log zerolog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Register mounts all game routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /games", h.createGame)
	mux.HandleFunc("GET /games/{code}", h.getGame)
	mux.HandleFunc("POST /games/{code}/join", h.joinGame)
	mux.HandleFunc("POST /games/{code}/start", h.startGame)
	mux.HandleFunc("POST /games/{code}/answers", h.submitAnswer)
	mux.HandleFunc("POST /games/{code}/expire", h.expireQuestion)
	mux.HandleFunc("POST /games/{code}/advance", h.advanceQuestion)
	mux.HandleFunc("POST /games/{code}/leave", h.leaveGame)
	mux.HandleFunc("POST /games/{code}/kick", h.kickPlayer)
}

type createGameRequest struct {
	Host string `json:"host"`
}

type createGameResponse struct {
	Code string `json:"code"`
}

type playerRequest struct {
	Player string `json:"player"`
}

type startGameRequest struct {
	Player    string            `json:"player"`
	SetID     string            `json:"setId,omitempty"`
	Questions []domain.Question `json:"questions,omitempty"`
}

type answerRequest struct {
	Player string `json:"player"`
	Option int    `json:"option"`
}

type questionSignalRequest struct {
	Player        string `json:"player"`
	QuestionIndex int    `json:"questionIndex"`
}

type advanceResponse struct {
	Completed bool `json:"completed"`
}

type kickRequest struct {
	Player string `json:"player"`
	Target string `json:"target"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) createGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Host == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "host is required"})
		return
	}
	code, err := h.service.Create(r.Context(), req.Host)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, createGameResponse{Code: code})
}

func (h *Handler) getGame(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) joinGame(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Player == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "player is required"})
		return
	}
	if err := h.service.Join(r.Context(), r.PathValue("code"), req.Player); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) startGame(w http.ResponseWriter, r *http.Request) {
	var req startGameRequest
	if !h.decode(w, r, &req) {
		return
	}
	code := r.PathValue("code")
	var err error
	if req.SetID != "" {
		err = h.service.StartWithSet(r.Context(), code, req.Player, req.SetID)
	} else {
		err = h.service.Start(r.Context(), code, req.Player, req.Questions)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SubmitAnswer(r.Context(), r.PathValue("code"), req.Player, req.Option); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) expireQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionSignalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.HandleTimeExpiry(r.Context(), r.PathValue("code"), req.Player, req.QuestionIndex); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) advanceQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionSignalRequest
	if !h.decode(w, r, &req) {
		return
	}
	completed, err := h.service.AdvanceQuestion(r.Context(), r.PathValue("code"), req.Player, req.QuestionIndex)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, advanceResponse{Completed: completed})
}

func (h *Handler) leaveGame(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.Leave(r.Context(), r.PathValue("code"), req.Player); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) kickPlayer(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.RemovePlayer(r.Context(), r.PathValue("code"), req.Player, req.Target); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrGameNotFound),
		errors.Is(err, domain.ErrPlayerNotFound),
		errors.Is(err, domain.ErrQuestionSetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotJoinable),
		errors.Is(err, domain.ErrNameTaken),
		errors.Is(err, domain.ErrNotEnoughPlayers),
		errors.Is(err, domain.ErrGameNotActive),
		errors.Is(err, domain.ErrCannotRemoveHost):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidQuestions),
		errors.Is(err, domain.ErrInvalidAnswer):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("write response")
	}
}
