package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/pipeline"
	"github.com/loqalabs/orbit/internal/presence"
)

const defaultSegmentLimit = 50

// API is the HTTP control surface for rooms: floor, speaking, language,
// segment history and presence.
type API struct {
	floor    *floor.Controller
	rooms    *pipeline.Manager
	presence *presence.Registry
	log      *slog.Logger
}

func NewAPI(floorCtl *floor.Controller, rooms *pipeline.Manager, registry *presence.Registry, log *slog.Logger) *API {
	return &API{
		floor:    floorCtl,
		rooms:    rooms,
		presence: registry,
		log:      log.With(slog.String("component", "api")),
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms/{room}/floor", a.handleFloor)
	mux.HandleFunc("POST /rooms/{room}/floor/acquire", a.handleAcquire)
	mux.HandleFunc("POST /rooms/{room}/floor/release", a.handleRelease)
	mux.HandleFunc("POST /rooms/{room}/speak/start", a.handleSpeakStart)
	mux.HandleFunc("POST /rooms/{room}/speak/stop", a.handleSpeakStop)
	mux.HandleFunc("PUT /rooms/{room}/language", a.handleLanguage)
	mux.HandleFunc("GET /rooms/{room}/segments", a.handleSegments)
	mux.HandleFunc("GET /rooms/{room}/status", a.handleStatus)
	mux.HandleFunc("POST /rooms/{room}/presence", a.handleHeartbeat)
	mux.HandleFunc("DELETE /rooms/{room}/presence/{participant}", a.handleLeave)
	mux.HandleFunc("GET /rooms", a.handleRooms)
}

type floorResponse struct {
	RoomID      string     `json:"room_id"`
	HolderID    string     `json:"holder_id,omitempty"`
	LeasedUntil *time.Time `json:"leased_until,omitempty"`
	Held        bool       `json:"held"`
}

type participantRequest struct {
	ParticipantID string `json:"participant_id"`
	DeviceID      string `json:"device_id,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

type languageRequest struct {
	TargetLanguage string `json:"target_language"`
	AudioEnabled   *bool  `json:"audio_enabled,omitempty"`
}

func (a *API) handleFloor(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	lease, held, err := a.floor.Holder(r.Context(), roomID)
	if err != nil {
		a.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := floorResponse{RoomID: roomID, Held: held}
	if held {
		resp.HolderID = lease.HolderID
		until := lease.LeasedUntil.UTC()
		resp.LeasedUntil = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAcquire(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeParticipant(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("room")
	a.presence.Touch(roomID, req.ParticipantID)
	if !a.floor.Acquire(r.Context(), roomID, req.ParticipantID, req.Force) {
		a.fail(w, http.StatusConflict, floor.ErrDenied)
		return
	}
	a.handleFloor(w, r)
}

func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeParticipant(w, r)
	if !ok {
		return
	}
	if err := a.floor.Release(r.Context(), r.PathValue("room"), req.ParticipantID); err != nil {
		a.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSpeakStart(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeParticipant(w, r)
	if !ok {
		return
	}
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	a.presence.Touch(session.RoomID(), req.ParticipantID)
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = req.ParticipantID
	}
	err := session.StartSpeaking(r.Context(), req.ParticipantID, deviceID, req.Force)
	switch {
	case errors.Is(err, floor.ErrDenied):
		a.fail(w, http.StatusConflict, err)
		return
	case errors.Is(err, pipeline.ErrNoRecognizer):
		a.fail(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		a.fail(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Status())
}

func (a *API) handleSpeakStop(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeParticipant(w, r)
	if !ok {
		return
	}
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := session.StopSpeaking(r.Context(), req.ParticipantID); err != nil {
		a.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Status())
}

func (a *API) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	session.SetTargetLanguage(strings.TrimSpace(req.TargetLanguage))
	if req.AudioEnabled != nil {
		session.SetAudioEnabled(*req.AudioEnabled)
	}
	writeJSON(w, http.StatusOK, session.Status())
}

func (a *API) handleSegments(w http.ResponseWriter, r *http.Request) {
	limit := defaultSegmentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.fail(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	segments, err := session.Segments(r.Context(), limit)
	if err != nil {
		a.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": session.RoomID(), "segments": segments})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.Status())
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeParticipant(w, r)
	if !ok {
		return
	}
	if err := a.presence.Announce(r.PathValue("room"), req.ParticipantID); err != nil {
		a.log.Warn("failed to publish heartbeat", slogError(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) {
	a.presence.Leave(r.PathValue("room"), r.PathValue("participant"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": a.rooms.Rooms()})
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*pipeline.Session, bool) {
	session, err := a.rooms.Session(r.PathValue("room"))
	if err != nil {
		a.fail(w, http.StatusServiceUnavailable, err)
		return nil, false
	}
	return session, true
}

func (a *API) decodeParticipant(w http.ResponseWriter, r *http.Request) (participantRequest, bool) {
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, errors.New("invalid request body"))
		return req, false
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		a.fail(w, http.StatusBadRequest, errors.New("participant_id is required"))
		return req, false
	}
	return req, true
}

func (a *API) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", slog.Int("status", status), slogError(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
