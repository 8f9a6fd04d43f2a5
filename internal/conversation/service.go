package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/reliability"
)

// BlobStore holds recording bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Compressor shrinks audio before it is stored. Errors are never fatal.
type Compressor interface {
	Compress(ctx context.Context, data []byte, contentType string) ([]byte, string, error)
}

// Publisher pushes admitted messages to the conversation's live channel.
type Publisher interface {
	PublishMessage(ctx context.Context, msg Message) error
}

// Options tunes a Service. Zero values take defaults.
type Options struct {
	Compressor  Compressor
	Publisher   Publisher
	Metrics     *observability.Metrics
	Visibility  time.Duration
	RaceRetries int
	Now         func() time.Time
}

// Service admits echoes and turn-gated messages.
type Service struct {
	store       Store
	blobs       BlobStore
	compressor  Compressor
	publisher   Publisher
	metrics     *observability.Metrics
	visibility  time.Duration
	raceRetries int
	now         func() time.Time

	order convLocks
}

func NewService(store Store, blobs BlobStore, opts Options) *Service {
	if opts.Visibility <= 0 {
		opts.Visibility = 72 * time.Hour
	}
	if opts.RaceRetries <= 0 {
		opts.RaceRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:       store,
		blobs:       blobs,
		compressor:  opts.Compressor,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		visibility:  opts.Visibility,
		raceRetries: opts.RaceRetries,
		now:         opts.Now,
	}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Visible reports whether echo still shows in the feed and accepts new
// conversations.
func (s *Service) Visible(echo Echo) bool {
	return echo.CreatedAt.After(s.clock().Add(-s.visibility))
}

// CreateEcho stores the clip and the echo as one unit. No turn rule applies.
func (s *Service) CreateEcho(ctx context.Context, authorID string, in RecordingInput) (Echo, error) {
	if authorID == "" {
		return Echo{}, ErrNotParticipant
	}
	started := time.Now()
	now := s.clock()
	echoID := uuid.NewString()
	rec, err := s.storeRecording(ctx, Owner{Kind: OwnerEcho, ID: echoID}, in, now)
	if err != nil {
		return Echo{}, err
	}
	echo := Echo{ID: echoID, AuthorID: authorID, CreatedAt: now, Recording: rec}

	persistStarted := time.Now()
	if err := s.store.InsertEcho(ctx, echo); err != nil {
		s.discardBlob(rec.BlobKey)
		return Echo{}, fmt.Errorf("insert echo: %w", err)
	}
	s.metrics.ObserveStage(observability.StagePersist, time.Since(persistStarted))
	s.metrics.ObserveStage(observability.StageTotal, time.Since(started))
	s.metrics.ObserveOutcome("echo_created")
	log.Info().Str("echo_id", echo.ID).Str("author_id", authorID).Float64("duration", rec.Duration).Msg("echo created")
	return echo, nil
}

// SubmitReply admits responder's clip into their conversation on echoID,
// opening the conversation first when it does not exist yet.
func (s *Service) SubmitReply(ctx context.Context, echoID, responderID string, in RecordingInput) (Admission, error) {
	if err := validateInput(in); err != nil {
		return Admission{}, err
	}
	echo, err := s.store.GetEcho(ctx, echoID)
	if err != nil {
		return Admission{}, fmt.Errorf("load echo: %w", err)
	}
	if echo.AuthorID == responderID {
		return Admission{}, ErrSelfReply
	}

	conv, first, err := s.ensureConversation(ctx, echo, responderID)
	if err != nil {
		return Admission{}, err
	}
	adm, err := s.admit(ctx, conv, responderID, in)
	if err != nil {
		return Admission{}, err
	}
	if first != nil {
		adm.FirstReply = true
		adm.First = first
	}
	return adm, nil
}

// SubmitToConversation admits sender's clip into an existing conversation.
func (s *Service) SubmitToConversation(ctx context.Context, conversationID, senderID string, in RecordingInput) (Admission, error) {
	if err := validateInput(in); err != nil {
		return Admission{}, err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Admission{}, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.IsParticipant(senderID) {
		return Admission{}, ErrNotParticipant
	}
	return s.admit(ctx, conv, senderID, in)
}

// ensureConversation finds or opens the (echo, responder) conversation. A
// lost creation race is resolved by looking up the winner's row.
func (s *Service) ensureConversation(ctx context.Context, echo Echo, responderID string) (Conversation, *Message, error) {
	var (
		conv  Conversation
		first *Message
	)
	err := reliability.Retry(ctx, s.raceRetries, 5*time.Millisecond, 50*time.Millisecond, func(attempt int) (bool, error) {
		found, err := s.store.FindConversation(ctx, echo.ID, responderID)
		if err == nil {
			conv = found
			return false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("find conversation: %w", err)
		}
		if !s.Visible(echo) {
			return false, ErrEchoExpired
		}

		now := s.clock()
		candidate := Conversation{
			ID:            uuid.NewString(),
			EchoID:        echo.ID,
			InitiatorID:   echo.AuthorID,
			ResponderID:   responderID,
			LastMessageAt: now,
			CreatedAt:     now,
		}
		opening := Message{
			ID:             uuid.NewString(),
			ConversationID: candidate.ID,
			SenderID:       echo.AuthorID,
			Seq:            1,
			CreatedAt:      now,
		}
		opening.Recording = echo.Recording
		opening.Recording.ID = uuid.NewString()
		opening.Recording.Owner = Owner{Kind: OwnerMessage, ID: opening.ID}
		opening.Recording.CreatedAt = now

		// Nothing can append to the new conversation until the opening
		// message has been pushed.
		unlock := s.order.lock(candidate.ID)
		err = s.store.CreateConversation(ctx, candidate, opening)
		if err == nil {
			s.publish(ctx, opening)
		}
		unlock()
		switch {
		case err == nil:
			conv = candidate
			first = &opening
			if s.metrics != nil {
				s.metrics.ConversationsOpened.Inc()
			}
			log.Info().
				Str("conversation_id", conv.ID).
				Str("echo_id", echo.ID).
				Str("responder_id", responderID).
				Msg("conversation opened")
			return false, nil
		case errors.Is(err, ErrConversationRace):
			if s.metrics != nil {
				s.metrics.ConversationRaces.Inc()
			}
			log.Debug().Int("attempt", attempt).Str("echo_id", echo.ID).Msg("lost conversation race, retrying lookup")
			return true, err
		default:
			return false, fmt.Errorf("create conversation: %w", err)
		}
	})
	if err != nil {
		return Conversation{}, nil, err
	}
	return conv, first, nil
}

// admit stores the clip and appends it under the turn rule. The turn check
// and insert happen inside the store transaction; the blob is removed again
// when the append is refused. The push happens before the conversation lock
// is released, so a later seq is never pushed ahead of an earlier one.
func (s *Service) admit(ctx context.Context, conv Conversation, senderID string, in RecordingInput) (Admission, error) {
	if conv.Closed() {
		return Admission{}, ErrConversationClosed
	}
	started := time.Now()
	now := s.clock()
	msgID := uuid.NewString()
	rec, err := s.storeRecording(ctx, Owner{Kind: OwnerMessage, ID: msgID}, in, now)
	if err != nil {
		return Admission{}, err
	}

	persistStarted := time.Now()
	unlock := s.order.lock(conv.ID)
	msg, updated, err := s.store.AppendMessage(ctx, Message{
		ID:             msgID,
		ConversationID: conv.ID,
		SenderID:       senderID,
		CreatedAt:      now,
		Recording:      rec,
	})
	if err == nil {
		s.publish(ctx, msg)
	}
	unlock()
	if err != nil {
		s.discardBlob(rec.BlobKey)
		if errors.Is(err, ErrTurnViolation) {
			if s.metrics != nil {
				s.metrics.TurnViolations.Inc()
			}
			s.metrics.ObserveOutcome("turn_violation")
			log.Info().Str("conversation_id", conv.ID).Str("sender_id", senderID).Msg("turn violation")
			return Admission{}, ErrTurnViolation
		}
		return Admission{}, fmt.Errorf("append message: %w", err)
	}
	s.metrics.ObserveStage(observability.StagePersist, time.Since(persistStarted))
	s.metrics.ObserveStage(observability.StageTotal, time.Since(started))
	s.metrics.ObserveOutcome("admitted")
	if s.metrics != nil {
		s.metrics.MessagesAdmitted.Inc()
	}
	log.Info().
		Str("conversation_id", conv.ID).
		Str("message_id", msg.ID).
		Int("seq", msg.Seq).
		Str("sender_id", senderID).
		Msg("message admitted")
	return Admission{Message: msg, Conversation: updated}, nil
}

// publish pushes a committed message. Callers hold the conversation's lock.
// Delivery failures never undo an admission.
func (s *Service) publish(ctx context.Context, msg Message) {
	if s.publisher == nil {
		return
	}
	started := time.Now()
	if err := s.publisher.PublishMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Int("seq", msg.Seq).Msg("realtime publish failed")
	}
	s.metrics.ObserveStage(observability.StagePublish, time.Since(started))
}

// storeRecording compresses best-effort and writes the bytes to the blob
// store.
func (s *Service) storeRecording(ctx context.Context, owner Owner, in RecordingInput, now time.Time) (Recording, error) {
	if err := validateInput(in); err != nil {
		return Recording{}, err
	}
	data, contentType := in.Data, in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if s.compressor != nil {
		started := time.Now()
		out, ct, err := s.compressor.Compress(ctx, data, contentType)
		switch {
		case err != nil:
			log.Warn().Err(err).Int("bytes", len(data)).Msg("audio compression failed, storing original")
			s.observeCompression("failed")
		case len(out) == 0:
			s.observeCompression("empty")
		default:
			data, contentType = out, ct
			s.observeCompression("ok")
		}
		s.metrics.ObserveStage(observability.StageCompress, time.Since(started))
	}

	key := "recordings/" + uuid.NewString()
	started := time.Now()
	if err := s.blobs.Put(ctx, key, data, contentType); err != nil {
		return Recording{}, fmt.Errorf("store recording bytes: %w", err)
	}
	s.metrics.ObserveStage(observability.StageBlobPut, time.Since(started))
	return Recording{
		ID:          uuid.NewString(),
		Owner:       owner,
		BlobKey:     key,
		ContentType: contentType,
		Duration:    in.Duration,
		Size:        int64(len(data)),
		CreatedAt:   now,
	}, nil
}

func (s *Service) observeCompression(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CompressionResults.WithLabelValues(result).Inc()
}

func (s *Service) discardBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("blob_key", key).Msg("orphan blob not removed")
	}
}

func validateInput(in RecordingInput) error {
	if len(in.Data) == 0 || in.Duration <= 0 {
		return ErrEmptyRecording
	}
	return nil
}

// ConversationView returns the messages in order and whether viewer is
// waiting on the other party.
func (s *Service) ConversationView(ctx context.Context, conversationID, viewerID string) (View, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return View{}, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.IsParticipant(viewerID) {
		return View{}, ErrNotParticipant
	}
	return s.view(ctx, conv, viewerID)
}

func (s *Service) view(ctx context.Context, conv Conversation, viewerID string) (View, error) {
	echo, err := s.store.GetEcho(ctx, conv.EchoID)
	if err != nil {
		return View{}, fmt.Errorf("load echo: %w", err)
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return View{}, fmt.Errorf("list messages: %w", err)
	}
	v := View{Conversation: conv, Echo: echo, Messages: msgs}
	if n := len(msgs); n > 0 {
		v.WaitingForReply = msgs[n-1].SenderID == viewerID
	}
	return v, nil
}

// EchoView is what a user sees on an echo page: the author gets every
// thread, anyone else gets their own conversation if one exists.
type EchoView struct {
	Echo    Echo
	IsOwner bool
	Threads []View
	Mine    *View
}

func (s *Service) EchoView(ctx context.Context, echoID, viewerID string) (EchoView, error) {
	echo, err := s.store.GetEcho(ctx, echoID)
	if err != nil {
		return EchoView{}, fmt.Errorf("load echo: %w", err)
	}
	out := EchoView{Echo: echo, IsOwner: echo.AuthorID == viewerID}
	if out.IsOwner {
		out.Threads, err = s.EchoConversations(ctx, echoID, viewerID)
		if err != nil {
			return EchoView{}, err
		}
		return out, nil
	}
	if viewerID == "" {
		return out, nil
	}
	conv, err := s.store.FindConversation(ctx, echoID, viewerID)
	if errors.Is(err, ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return EchoView{}, fmt.Errorf("find conversation: %w", err)
	}
	v, err := s.view(ctx, conv, viewerID)
	if err != nil {
		return EchoView{}, err
	}
	out.Mine = &v
	return out, nil
}

// EchoConversations lists every thread spawned by an echo, most recently
// active first. Only the author may see them.
func (s *Service) EchoConversations(ctx context.Context, echoID, viewerID string) ([]View, error) {
	echo, err := s.store.GetEcho(ctx, echoID)
	if err != nil {
		return nil, fmt.Errorf("load echo: %w", err)
	}
	if echo.AuthorID != viewerID {
		return nil, ErrNotAuthor
	}
	convs, err := s.store.ListConversationsForEcho(ctx, echoID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]View, 0, len(convs))
	for _, conv := range convs {
		v, err := s.view(ctx, conv, viewerID)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// Feed returns visible echoes, newest first.
func (s *Service) Feed(ctx context.Context, q FeedQuery) ([]Echo, error) {
	eq := EchoQuery{VisibleAfter: s.clock().Add(-s.visibility), Limit: q.Limit}
	if eq.Limit <= 0 || eq.Limit > 100 {
		eq.Limit = 50
	}
	if q.SinceID != "" {
		since, err := s.store.GetEcho(ctx, q.SinceID)
		switch {
		case err == nil:
			eq.NewerThan = since.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("load since echo: %w", err)
		}
	}
	echoes, err := s.store.ListEchoes(ctx, eq)
	if err != nil {
		return nil, fmt.Errorf("list echoes: %w", err)
	}
	return echoes, nil
}

// Leave records that userID left. No further messages are admitted.
func (s *Service) Leave(ctx context.Context, conversationID, userID string) (Conversation, error) {
	conv, err := s.store.MarkLeft(ctx, conversationID, userID, s.clock())
	if err != nil {
		return Conversation{}, fmt.Errorf("leave conversation: %w", err)
	}
	log.Info().Str("conversation_id", conversationID).Str("user_id", userID).Msg("participant left")
	return conv, nil
}

// DeleteEcho removes an echo with everything hanging off it. Only the author
// may delete.
func (s *Service) DeleteEcho(ctx context.Context, echoID, userID string) error {
	echo, err := s.store.GetEcho(ctx, echoID)
	if err != nil {
		return fmt.Errorf("load echo: %w", err)
	}
	if echo.AuthorID != userID {
		return ErrNotAuthor
	}
	keys, err := s.store.DeleteEcho(ctx, echoID)
	if err != nil {
		return fmt.Errorf("delete echo: %w", err)
	}
	s.deleteBlobs(ctx, keys)
	return nil
}

// PurgeExpired hard-deletes echoes created before cutoff.
func (s *Service) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.store.PurgeEchoesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge echoes: %w", err)
	}
	s.deleteBlobs(ctx, res.BlobKeys)
	if s.metrics != nil {
		s.metrics.EchoesPurged.Add(float64(res.Echoes))
	}
	if res.Echoes > 0 {
		log.Info().Int("echoes", res.Echoes).Int("blobs", len(res.BlobKeys)).Time("cutoff", cutoff).Msg("purged expired echoes")
	}
	return res.Echoes, nil
}

func (s *Service) deleteBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("blob_key", key).Msg("blob delete failed")
		}
	}
}

// Recording looks up a recording for download.
func (s *Service) Recording(ctx context.Context, id string) (Recording, error) {
	rec, err := s.store.GetRecording(ctx, id)
	if err != nil {
		return Recording{}, fmt.Errorf("load recording: %w", err)
	}
	return rec, nil
}
