package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps everything in process behind one mutex, which makes
// every operation serializable.
type InMemoryStore struct {
	mu            sync.RWMutex
	echoes        map[string]Echo
	conversations map[string]Conversation
	byPair        map[pairKey]string
	messages      map[string][]Message
	recordings    map[string]Recording
}

type pairKey struct {
	echoID      string
	responderID string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		echoes:        make(map[string]Echo),
		conversations: make(map[string]Conversation),
		byPair:        make(map[pairKey]string),
		messages:      make(map[string][]Message),
		recordings:    make(map[string]Recording),
	}
}

func (s *InMemoryStore) InsertEcho(_ context.Context, echo Echo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recordings {
		if rec.Owner == echo.Recording.Owner {
			return fmt.Errorf("insert recording: %s %s already owns a recording", rec.Owner.Kind, rec.Owner.ID)
		}
	}
	s.echoes[echo.ID] = echo
	s.recordings[echo.Recording.ID] = echo.Recording
	return nil
}

func (s *InMemoryStore) GetEcho(_ context.Context, id string) (Echo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	echo, ok := s.echoes[id]
	if !ok {
		return Echo{}, ErrNotFound
	}
	return echo, nil
}

func (s *InMemoryStore) ListEchoes(_ context.Context, q EchoQuery) ([]Echo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Echo, 0, len(s.echoes))
	for _, echo := range s.echoes {
		if !echo.CreatedAt.After(q.VisibleAfter) {
			continue
		}
		if !q.NewerThan.IsZero() && !echo.CreatedAt.After(q.NewerThan) {
			continue
		}
		out = append(out, echo)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeleteEcho(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.echoes[id]; !ok {
		return nil, ErrNotFound
	}
	return s.deleteEchoLocked(id), nil
}

func (s *InMemoryStore) PurgeEchoesBefore(_ context.Context, before time.Time) (PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res PurgeResult
	for id, echo := range s.echoes {
		if echo.CreatedAt.Before(before) {
			res.BlobKeys = append(res.BlobKeys, s.deleteEchoLocked(id)...)
			res.Echoes++
		}
	}
	return res, nil
}

func (s *InMemoryStore) deleteEchoLocked(id string) []string {
	echo := s.echoes[id]
	keys := map[string]struct{}{echo.Recording.BlobKey: {}}
	delete(s.recordings, echo.Recording.ID)
	for convID, conv := range s.conversations {
		if conv.EchoID != id {
			continue
		}
		for _, msg := range s.messages[convID] {
			keys[msg.Recording.BlobKey] = struct{}{}
			delete(s.recordings, msg.Recording.ID)
		}
		delete(s.messages, convID)
		delete(s.byPair, pairKey{conv.EchoID, conv.ResponderID})
		delete(s.conversations, convID)
	}
	delete(s.echoes, id)

	out := make([]string, 0, len(keys))
	for k := range keys {
		if k != "" && !s.blobReferencedLocked(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s *InMemoryStore) blobReferencedLocked(key string) bool {
	for _, rec := range s.recordings {
		if rec.BlobKey == key {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) FindConversation(_ context.Context, echoID, responderID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pairKey{echoID, responderID}]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return s.conversations[id], nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, conv Conversation, first Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.echoes[conv.EchoID]; !ok {
		return ErrNotFound
	}
	if conv.InitiatorID == conv.ResponderID {
		return ErrSelfReply
	}
	key := pairKey{conv.EchoID, conv.ResponderID}
	if _, exists := s.byPair[key]; exists {
		return ErrConversationRace
	}
	first.ConversationID = conv.ID
	first.Recording.Owner = Owner{Kind: OwnerMessage, ID: first.ID}
	s.conversations[conv.ID] = conv
	s.byPair[key] = conv.ID
	s.messages[conv.ID] = []Message{first}
	s.recordings[first.Recording.ID] = first.Recording
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg Message) (Message, Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return Message{}, Conversation{}, ErrNotFound
	}
	if conv.Closed() {
		return Message{}, conv, ErrConversationClosed
	}
	msgs := s.messages[conv.ID]
	if n := len(msgs); n > 0 {
		if msgs[n-1].SenderID == msg.SenderID {
			return Message{}, conv, ErrTurnViolation
		}
		msg.Seq = msgs[n-1].Seq + 1
	} else {
		msg.Seq = 1
	}
	msg.Recording.Owner = Owner{Kind: OwnerMessage, ID: msg.ID}
	s.messages[conv.ID] = append(msgs, msg)
	s.recordings[msg.Recording.ID] = msg.Recording
	conv.LastMessageAt = msg.CreatedAt
	s.conversations[conv.ID] = conv
	return msg, conv, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) ListConversationsForUser(_ context.Context, userID string) ([]Conversation, error) {
	return s.listConversations(func(c Conversation) bool { return c.IsParticipant(userID) }), nil
}

func (s *InMemoryStore) ListConversationsForEcho(_ context.Context, echoID string) ([]Conversation, error) {
	return s.listConversations(func(c Conversation) bool { return c.EchoID == echoID }), nil
}

func (s *InMemoryStore) listConversations(match func(Conversation) bool) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0)
	for _, conv := range s.conversations {
		if match(conv) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

func (s *InMemoryStore) MarkLeft(_ context.Context, conversationID, userID string, at time.Time) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	switch userID {
	case conv.InitiatorID:
		if conv.InitiatorLeftAt == nil {
			conv.InitiatorLeftAt = &at
		}
	case conv.ResponderID:
		if conv.ResponderLeftAt == nil {
			conv.ResponderLeftAt = &at
		}
	default:
		return Conversation{}, ErrNotParticipant
	}
	s.conversations[conversationID] = conv
	return conv, nil
}

func (s *InMemoryStore) GetRecording(_ context.Context, id string) (Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recordings[id]
	if !ok {
		return Recording{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() {}
