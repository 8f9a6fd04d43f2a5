package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/audio"
	"github.com/ent0n29/voicetalk/internal/auth"
	"github.com/ent0n29/voicetalk/internal/blobstore"
	"github.com/ent0n29/voicetalk/internal/config"
	"github.com/ent0n29/voicetalk/internal/conversation"
	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/protocol"
	"github.com/ent0n29/voicetalk/internal/realtime"
)

// Server is the HTTP surface of the conversation service.
type Server struct {
	cfg      config.Config
	service  *conversation.Service
	blobs    blobstore.Store
	hub      *realtime.Hub
	verifier *auth.Verifier
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	limiter  *submitLimiter
}

func New(cfg config.Config, service *conversation.Service, blobs blobstore.Store, hub *realtime.Hub, verifier *auth.Verifier, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		blobs:    blobs,
		hub:      hub,
		verifier: verifier,
		metrics:  metrics,
		upgrader: realtime.Upgrader(cfg.AllowAnyOrigin),
		limiter:  newSubmitLimiter(cfg.SubmitRatePerMinute),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	// Recording ids are unguessable; the route stays public so <audio> tags
	// can load it without headers.
	r.Get("/v1/recordings/{id}/audio", s.handleRecordingAudio)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))

		submit := r.With(s.limiter.middleware)

		submit.Post("/v1/echos", s.handleCreateEcho)
		r.Get("/v1/echos", s.handleListEchoes)
		r.Get("/v1/echos/{id}", s.handleGetEcho)
		r.Delete("/v1/echos/{id}", s.handleDeleteEcho)
		submit.Post("/v1/echos/{id}/messages", s.handleReplyToEcho)

		r.Get("/v1/conversations", s.handleListConversations)
		r.Get("/v1/conversations/{id}", s.handleGetConversation)
		submit.Post("/v1/conversations/{id}/messages", s.handleSubmitToConversation)
		r.Post("/v1/conversations/{id}/leave", s.handleLeaveConversation)
		r.Get("/v1/conversations/{id}/ws", s.handleConversationWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": conversation.BackendName(s.cfg.DatabaseURL, s.cfg.SQLitePath),
		"blob_mode":  strings.ToLower(s.cfg.BlobBackend),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Store().Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": conversation.BackendName(s.cfg.DatabaseURL, s.cfg.SQLitePath),
	})
}

type submitRequest struct {
	AudioData   string  `json:"audio_data"`
	Duration    float64 `json:"duration"`
	ContentType string  `json:"content_type"`
}

// decodeRecording reads an upload body. Missing durations are taken from
// the WAV header when the clip is WAV.
func (s *Server) decodeRecording(w http.ResponseWriter, r *http.Request) (conversation.RecordingInput, bool) {
	limit := int64(s.cfg.MaxArtifactBytes)
	if limit <= 0 {
		limit = 2 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit*4/3+4096)

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "recording_too_large", "recording exceeds the upload limit")
			return conversation.RecordingInput{}, false
		}
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return conversation.RecordingInput{}, false
	}
	started := time.Now()
	data, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio_data", "audio_data must be standard base64")
		return conversation.RecordingInput{}, false
	}
	s.metrics.ObserveStage(observability.StageDecode, time.Since(started))

	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = audio.ContentTypeWAV
	}
	duration := req.Duration
	if duration <= 0 && contentType == audio.ContentTypeWAV {
		if d, err := audio.WAVDuration(data); err == nil {
			duration = d.Seconds()
		}
	}
	return conversation.RecordingInput{Data: data, ContentType: contentType, Duration: duration}, true
}

func (s *Server) handleCreateEcho(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeRecording(w, r)
	if !ok {
		return
	}
	echo, err := s.service.CreateEcho(r.Context(), auth.UserIDFrom(r.Context()), in)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"echo": s.echoJSON(echo)})
}

func (s *Server) handleListEchoes(w http.ResponseWriter, r *http.Request) {
	q := conversation.FeedQuery{SinceID: strings.TrimSpace(r.URL.Query().Get("since_id"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	echoes, err := s.service.Feed(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	out := make([]echoResponse, 0, len(echoes))
	for _, echo := range echoes {
		out = append(out, s.echoJSON(echo))
	}
	respondJSON(w, http.StatusOK, map[string]any{"echoes": out})
}

func (s *Server) handleGetEcho(w http.ResponseWriter, r *http.Request) {
	viewer := auth.UserIDFrom(r.Context())
	view, err := s.service.EchoView(r.Context(), chi.URLParam(r, "id"), viewer)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	resp := map[string]any{
		"echo":     s.echoJSON(view.Echo),
		"is_owner": view.IsOwner,
	}
	if view.IsOwner {
		threads := make([]conversationViewResponse, 0, len(view.Threads))
		for _, th := range view.Threads {
			threads = append(threads, s.viewJSON(th, viewer))
		}
		resp["conversations"] = threads
	}
	if view.Mine != nil {
		resp["conversation"] = s.viewJSON(*view.Mine, viewer)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteEcho(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteEcho(r.Context(), chi.URLParam(r, "id"), auth.UserIDFrom(r.Context())); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplyToEcho(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeRecording(w, r)
	if !ok {
		return
	}
	adm, err := s.service.SubmitReply(r.Context(), chi.URLParam(r, "id"), auth.UserIDFrom(r.Context()), in)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondAdmission(w, r, adm)
}

func (s *Server) handleSubmitToConversation(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeRecording(w, r)
	if !ok {
		return
	}
	adm, err := s.service.SubmitToConversation(r.Context(), chi.URLParam(r, "id"), auth.UserIDFrom(r.Context()), in)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondAdmission(w, r, adm)
}

func (s *Server) respondAdmission(w http.ResponseWriter, r *http.Request, adm conversation.Admission) {
	viewer := auth.UserIDFrom(r.Context())
	msg := s.messageJSON(adm.Message)
	html, err := renderMessage(msg, viewer)
	if err != nil {
		log.Warn().Err(err).Str("message_id", adm.Message.ID).Msg("message fragment render failed")
	}
	resp := map[string]any{
		"message":      msg,
		"conversation": s.conversationJSON(adm.Conversation, viewer),
		"html":         html,
		"first_reply":  adm.FirstReply,
	}
	if adm.First != nil {
		resp["first_message"] = s.messageJSON(*adm.First)
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	viewer := auth.UserIDFrom(r.Context())
	convs, err := s.service.ListConversations(r.Context(), viewer)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, s.conversationJSON(conv, viewer))
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	viewer := auth.UserIDFrom(r.Context())
	view, err := s.service.ConversationView(r.Context(), chi.URLParam(r, "id"), viewer)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.viewJSON(view, viewer))
}

func (s *Server) handleLeaveConversation(w http.ResponseWriter, r *http.Request) {
	viewer := auth.UserIDFrom(r.Context())
	conv, err := s.service.Leave(r.Context(), chi.URLParam(r, "id"), viewer)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if s.hub != nil {
		if err := s.hub.PublishSystem(r.Context(), conv.ID, protocol.CodeLeft, viewer); err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("leave broadcast failed")
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation": s.conversationJSON(conv, viewer)})
}

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime hub not configured")
		return
	}
	viewer := auth.UserIDFrom(r.Context())
	conv, err := s.service.Store().GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if !conv.IsParticipant(viewer) {
		s.respondServiceError(w, r, conversation.ErrNotParticipant)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.ServeConn(r.Context(), conn, conv.ID, viewer)
}

func (s *Server) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Recording(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if url := s.blobs.URL(rec.BlobKey); url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	data, err := s.blobs.Get(r.Context(), rec.BlobKey)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
