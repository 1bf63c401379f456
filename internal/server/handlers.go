package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/livepeer/brewdream"
	"github.com/livepeer/brewdream/internal/platform/logger"
	"github.com/livepeer/brewdream/internal/platform/metrics"
	"github.com/livepeer/brewdream/internal/store"
	"github.com/livepeer/brewdream/pkg/backend"
	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/livepeer/brewdream/pkg/recorder"
)

const (
	maxFrameBytes = 8 << 20
	maxJSONBytes  = 1 << 20
)

// Router returns the control API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(s.log))
	if m := s.options.Metrics; m != nil {
		r.Use(metrics.RequestMiddleware(m))
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			m.Handler(func() { m.ObservePipeline(s.pipeline.Stats()) }).ServeHTTP(w, r)
		})
	}

	r.Get("/events", s.hub.ServeHTTP)
	r.Get("/status", s.Status)
	r.Get("/textures", s.Textures)

	r.Route("/stream", func(r chi.Router) {
		r.Post("/start", s.StartStream)
		r.Post("/stop", s.StopStream)
		r.Post("/visibility", s.Visibility)
	})

	r.Post("/camera", s.SelectCamera)
	r.Delete("/camera", s.ClearCamera)
	r.Post("/frame", s.PushFrame)
	r.Post("/audio", s.SetAudio)
	r.Get("/params", s.GetParams)
	r.Put("/params", s.SetParams)

	r.Route("/record", func(r chi.Router) {
		r.Get("/", s.RecordStatus)
		r.Post("/start", s.StartRecording)
		r.Post("/stop", s.StopRecording)
	})

	r.Route("/clips", func(r chi.Router) {
		r.Get("/", s.ListClips)
		r.Get("/{clip_id}", s.GetClip)
	})

	r.Route("/tickets", func(r chi.Router) {
		r.Post("/", s.GenerateTicket)
		r.Post("/redeem", s.RedeemTicket)
	})

	return r
}

type errorBody struct {
	Error string `json:"error"`
	Phase string `json:"phase,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}

	var pe *brewdream.PipelineError
	var re *recorder.Error
	switch {
	case errors.As(err, &pe):
		body.Phase = string(pe.Phase)
	case errors.As(err, &re):
		body.Phase = string(re.Phase)
	}

	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// pipelineStatus maps pipeline errors onto HTTP codes.
func pipelineStatus(err error) int {
	var pe *brewdream.PipelineError
	switch {
	case errors.Is(err, brewdream.ErrPipelineRunning):
		return http.StatusConflict
	case errors.Is(err, brewdream.ErrPipelineNotRunning), errors.Is(err, brewdream.ErrInvalidFacingMode):
		return http.StatusBadRequest
	case errors.As(err, &pe) && (pe.Phase == brewdream.PhaseCreateStream || pe.Phase == brewdream.PhasePublish):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	Pipeline  brewdream.Stats          `json:"pipeline"`
	Session   *brewdream.StreamSession `json:"session,omitempty"`
	Recording *recorder.Session        `json:"recording,omitempty"`
	Supported bool                     `json:"record_supported"`
	Peers     int                      `json:"peers"`
}

// Status handles GET /status.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Pipeline: s.pipeline.Stats(),
		Peers:    s.hub.Len(),
	}

	if session, ok := s.pipeline.Session(); ok {
		resp.Session = &session
	}

	if live := s.current(); live != nil {
		rs := live.recorder.Session()
		resp.Recording = &rs
		resp.Supported = live.recorder.Supported()
	}

	writeJSON(w, http.StatusOK, resp)
}

// Textures handles GET /textures.
func (s *Server) Textures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Textures)
}

// StartStream handles POST /stream/start.
func (s *Server) StartStream(w http.ResponseWriter, r *http.Request) {
	session, err := s.pipeline.Start(r.Context())
	if err != nil {
		writeError(w, pipelineStatus(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// StopStream handles POST /stream/stop.
func (s *Server) StopStream(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Stop(); err != nil {
		writeError(w, pipelineStatus(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type visibilityRequest struct {
	Hidden bool `json:"hidden"`
}

// Visibility handles POST /stream/visibility. Body: {"hidden": true}.
func (s *Server) Visibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.pipeline.HandleVisibility(r.Context(), req.Hidden); err != nil {
		writeError(w, pipelineStatus(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type cameraRequest struct {
	Facing compositor.FacingMode `json:"facing"`
}

// SelectCamera handles POST /camera. Body: {"facing": "user"}.
func (s *Server) SelectCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !req.Facing.Valid() {
		writeError(w, http.StatusBadRequest, brewdream.ErrInvalidFacingMode)
		return
	}

	if err := s.pipeline.SelectCamera(r.Context(), req.Facing); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.mu.Lock()
	s.facing = req.Facing
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// ClearCamera handles DELETE /camera and falls back to a blank frame.
func (s *Server) ClearCamera(w http.ResponseWriter, r *http.Request) {
	s.pipeline.SetVideoSource(compositor.Blank())

	s.mu.Lock()
	s.facing = ""
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// PushFrame handles POST /frame with a PNG or JPEG body.
func (s *Server) PushFrame(w http.ResponseWriter, r *http.Request) {
	img, _, err := image.Decode(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.pipeline.PushFrame(img); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type audioRequest struct {
	Source      string                           `json:"source"`
	Constraints *brewdream.MicrophoneConstraints `json:"constraints,omitempty"`
}

// SetAudio handles POST /audio. Body: {"source": "silent"|"microphone"}.
func (s *Server) SetAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var src brewdream.AudioSource
	switch strings.ToLower(req.Source) {
	case "silent", "":
		src = brewdream.SilentAudio()
	case "microphone":
		src = brewdream.MicrophoneAudio(req.Constraints)
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown audio source "+strconv.Quote(req.Source)))
		return
	}

	if err := s.pipeline.SetAudioSource(r.Context(), src); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type paramsResponse struct {
	Brew       brewdream.BrewParams          `json:"brew"`
	Parameters brewdream.DiffusionParameters `json:"parameters"`
}

// GetParams handles GET /params.
func (s *Server) GetParams(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	brew := s.brew
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, paramsResponse{Brew: brew, Parameters: s.pipeline.Parameters()})
}

// SetParams handles PUT /params with the user-facing controls. The derived
// parameters are queued for the live stream.
func (s *Server) SetParams(w http.ResponseWriter, r *http.Request) {
	brew := brewdream.DefaultBrewParams()
	if err := decodeJSON(r, &brew); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	params, err := brewdream.BuildParameters(brew, s.options.Textures, s.options.Scaling)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	s.brew = brew
	s.mu.Unlock()

	s.pipeline.SetParameters(params)
	s.hub.Broadcast(EventParams, params)

	writeJSON(w, http.StatusOK, paramsResponse{Brew: brew, Parameters: params})
}

// RecordStatus handles GET /record.
func (s *Server) RecordStatus(w http.ResponseWriter, r *http.Request) {
	live := s.current()
	if live == nil {
		writeError(w, http.StatusConflict, ErrNoSession)
		return
	}

	writeJSON(w, http.StatusOK, live.recorder.Session())
}

func recordStatus(err error) int {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording), errors.Is(err, recorder.ErrNotRecording), errors.Is(err, recorder.ErrNotPlaying):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrCaptureUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, recorder.ErrTooShort):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// StartRecording handles POST /record/start.
func (s *Server) StartRecording(w http.ResponseWriter, r *http.Request) {
	live := s.current()
	if live == nil {
		writeError(w, http.StatusConflict, ErrNoSession)
		return
	}

	if err := live.recorder.Start(r.Context()); err != nil {
		writeError(w, recordStatus(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, live.recorder.Session())
}

type recordResult struct {
	Result recorder.Result `json:"result"`
	Clip   *store.Clip     `json:"clip,omitempty"`
}

// StopRecording handles POST /record/stop. It returns once the clip is
// uploaded and processed; progress is streamed on /events meanwhile. The
// upload is not tied to the request so a dropped client does not abort it.
func (s *Server) StopRecording(w http.ResponseWriter, r *http.Request) {
	live := s.current()
	if live == nil {
		writeError(w, http.StatusConflict, ErrNoSession)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.options.Recorder.UploadTimeout+s.options.RequestTimeout)
	defer cancel()

	result, err := live.recorder.Stop(ctx)
	if err != nil {
		writeError(w, recordStatus(err), err)
		return
	}

	resp := recordResult{Result: result}

	s.mu.Lock()
	if live.clip != nil && live.clip.AssetID == result.AssetID {
		resp.Clip = live.clip
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// ListClips handles GET /clips?limit=n.
func (s *Server) ListClips(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}

	clips, err := s.ledger.ListClips(r.Context(), limit)
	if err != nil {
		s.log.Errorf("server: list clips: %s", err.Error())
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, clips)
}

// GetClip handles GET /clips/{clip_id}.
func (s *Server) GetClip(w http.ResponseWriter, r *http.Request) {
	clip, err := s.ledger.Clip(r.Context(), chi.URLParam(r, "clip_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, clip)
}

// GenerateTicket handles POST /tickets for the live session.
func (s *Server) GenerateTicket(w http.ResponseWriter, r *http.Request) {
	if s.tickets == nil {
		writeError(w, http.StatusNotImplemented, backend.ErrNoBaseURL)
		return
	}

	live := s.current()
	if live == nil || live.record.ID == "" {
		writeError(w, http.StatusConflict, ErrNoSession)
		return
	}

	ticket, err := s.tickets.GenerateTicket(r.Context(), live.record.ID)
	if err != nil {
		writeError(w, ticketStatus(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, ticket)
}

type redeemRequest struct {
	Code string `json:"code"`
}

// RedeemTicket handles POST /tickets/redeem. The caller's bearer token is
// forwarded to the backend.
func (s *Server) RedeemTicket(w http.ResponseWriter, r *http.Request) {
	if s.tickets == nil {
		writeError(w, http.StatusNotImplemented, backend.ErrNoBaseURL)
		return
	}

	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))

	redemption, err := s.tickets.RedeemTicket(r.Context(), req.Code, token)
	if err != nil {
		writeError(w, ticketStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, redemption)
}

func ticketStatus(err error) int {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, backend.ErrNoTicket):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrNoUserToken):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return apiErr.StatusCode
	default:
		return http.StatusBadGateway
	}
}
