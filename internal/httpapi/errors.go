package httpapi

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/blobstore"
	"github.com/ent0n29/voicetalk/internal/conversation"
)

// statusFor maps service errors onto HTTP status and wire code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrTurnViolation):
		return http.StatusConflict, "turn_violation"
	case errors.Is(err, conversation.ErrConversationClosed):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, conversation.ErrConversationRace):
		// Retries exhausted; the client may try again.
		return http.StatusServiceUnavailable, "conversation_race"
	case errors.Is(err, conversation.ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	case errors.Is(err, conversation.ErrNotAuthor):
		return http.StatusForbidden, "not_author"
	case errors.Is(err, conversation.ErrSelfReply):
		return http.StatusUnprocessableEntity, "self_reply"
	case errors.Is(err, conversation.ErrEmptyRecording):
		return http.StatusUnprocessableEntity, "empty_recording"
	case errors.Is(err, conversation.ErrEchoExpired):
		return http.StatusGone, "echo_expired"
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if s.metrics != nil {
		s.metrics.HTTPErrors.WithLabelValues(code).Inc()
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	respondError(w, status, code, msg)
}
