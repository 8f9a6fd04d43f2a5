package conversation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicetalk/internal/blobstore"
	"github.com/ent0n29/voicetalk/internal/observability"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (p *recordingPublisher) PublishMessage(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) seqs(conversationID string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, m := range p.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m.Seq)
		}
	}
	return out
}

type failingCompressor struct{}

func (failingCompressor) Compress(context.Context, []byte, string) ([]byte, string, error) {
	return nil, "", errors.New("ffmpeg exploded")
}

type testEnv struct {
	svc     *Service
	store   *InMemoryStore
	blobs   *blobstore.MemoryStore
	pub     *recordingPublisher
	metrics *observability.Metrics
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   NewInMemoryStore(),
		blobs:   blobstore.NewMemoryStore(),
		pub:     &recordingPublisher{},
		metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "test"),
		now:     time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(env.store, env.blobs, Options{
		Compressor: failingCompressor{},
		Publisher:  env.pub,
		Metrics:    env.metrics,
		Now:        func() time.Time { return env.now },
	})
	return env
}

func clip(seconds float64) RecordingInput {
	return RecordingInput{Data: []byte("RIFF-audio"), ContentType: "audio/wav", Duration: seconds}
}

func TestEndToEndTurnScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	echo, err := env.svc.CreateEcho(ctx, "A", clip(3.0))
	require.NoError(t, err)

	adm, err := env.svc.SubmitReply(ctx, echo.ID, "B", clip(2.0))
	require.NoError(t, err)
	require.True(t, adm.FirstReply)
	require.Equal(t, "A", adm.Conversation.InitiatorID)
	require.Equal(t, "B", adm.Conversation.ResponderID)
	require.NotNil(t, adm.First)
	require.Equal(t, "A", adm.First.SenderID)
	require.Equal(t, 1, adm.First.Seq)
	require.InDelta(t, 3.0, adm.First.Recording.Duration, 1e-9)
	require.Equal(t, echo.Recording.BlobKey, adm.First.Recording.BlobKey)
	require.Equal(t, "B", adm.Message.SenderID)
	require.Equal(t, 2, adm.Message.Seq)

	convID := adm.Conversation.ID
	_, err = env.svc.SubmitToConversation(ctx, convID, "A", clip(1))
	require.NoError(t, err)

	_, err = env.svc.SubmitToConversation(ctx, convID, "A", clip(1))
	require.ErrorIs(t, err, ErrTurnViolation)

	adm, err = env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)
	require.False(t, adm.FirstReply)
	require.Equal(t, 4, adm.Message.Seq)

	_, err = env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.ErrorIs(t, err, ErrTurnViolation)

	adm, err = env.svc.SubmitToConversation(ctx, convID, "A", clip(1))
	require.NoError(t, err)
	require.Equal(t, 5, adm.Message.Seq)

	view, err := env.svc.ConversationView(ctx, convID, "A")
	require.NoError(t, err)
	senders := make([]string, 0, len(view.Messages))
	for _, m := range view.Messages {
		senders = append(senders, m.SenderID)
	}
	require.Equal(t, []string{"A", "B", "A", "B", "A"}, senders)
	require.True(t, view.WaitingForReply)

	view, err = env.svc.ConversationView(ctx, convID, "B")
	require.NoError(t, err)
	require.False(t, view.WaitingForReply)

	require.Equal(t, []int{1, 2, 3, 4, 5}, env.pub.seqs(convID))
	require.Equal(t, float64(2), testutil.ToFloat64(env.metrics.TurnViolations))
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ConversationsOpened))
}

// gatedPublisher parks the push of holdSeq until release is closed.
type gatedPublisher struct {
	recordingPublisher
	holdSeq int
	held    chan struct{}
	release chan struct{}
}

func (p *gatedPublisher) PublishMessage(ctx context.Context, msg Message) error {
	if msg.Seq == p.holdSeq {
		close(p.held)
		<-p.release
	}
	return p.recordingPublisher.PublishMessage(ctx, msg)
}

func TestPushesFollowCommitOrderWhenAPushStalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pub := &gatedPublisher{holdSeq: 2, held: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(env.store, env.blobs, Options{
		Publisher: pub,
		Now:       func() time.Time { return env.now },
	})

	echo, err := svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)

	replyErr := make(chan error, 1)
	go func() {
		_, err := svc.SubmitReply(ctx, echo.ID, "B", clip(1))
		replyErr <- err
	}()
	<-pub.held

	// Seq 2 is committed and visible while its push is still in flight.
	convs, err := env.store.ListConversationsForUser(ctx, "A")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := env.store.ListMessages(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	answerErr := make(chan error, 1)
	go func() {
		_, err := svc.SubmitToConversation(ctx, convs[0].ID, "A", clip(1))
		answerErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(pub.release)
	require.NoError(t, <-replyErr)
	require.NoError(t, <-answerErr)

	require.Equal(t, []int{1, 2, 3}, pub.seqs(convs[0].ID))
	require.Zero(t, svc.order.held())
}

func TestFirstReplySynthesizesOpeningMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, err := env.svc.CreateEcho(ctx, "A", clip(3.0))
	require.NoError(t, err)

	_, err = env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)

	convs, err := env.store.ListConversationsForEcho(ctx, echo.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := env.store.ListMessages(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Equal(t, "A", msgs[0].SenderID)
	require.Equal(t, OwnerMessage, msgs[0].Recording.Owner.Kind)
	require.Equal(t, msgs[0].ID, msgs[0].Recording.Owner.ID)

	// The echo keeps its own recording and stays playable.
	got, err := env.store.GetEcho(ctx, echo.ID)
	require.NoError(t, err)
	require.Equal(t, echo.Recording.ID, got.Recording.ID)
	require.Equal(t, OwnerEcho, got.Recording.Owner.Kind)
	_, err = env.blobs.Get(ctx, got.Recording.BlobKey)
	require.NoError(t, err)
}

func TestSelfReplyRejected(t *testing.T) {
	env := newTestEnv(t)
	echo, err := env.svc.CreateEcho(context.Background(), "A", clip(1))
	require.NoError(t, err)

	_, err = env.svc.SubmitReply(context.Background(), echo.ID, "A", clip(1))
	require.ErrorIs(t, err, ErrSelfReply)
}

func TestEmptyRecordingRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateEcho(context.Background(), "A", RecordingInput{Data: []byte("x"), Duration: 0})
	require.ErrorIs(t, err, ErrEmptyRecording)
	_, err = env.svc.CreateEcho(context.Background(), "A", RecordingInput{Duration: 2})
	require.ErrorIs(t, err, ErrEmptyRecording)
	require.Zero(t, env.blobs.Len())
}

func TestCompressionFailureKeepsOriginalBytes(t *testing.T) {
	env := newTestEnv(t)
	echo, err := env.svc.CreateEcho(context.Background(), "A", clip(1))
	require.NoError(t, err)

	data, err := env.blobs.Get(context.Background(), echo.Recording.BlobKey)
	require.NoError(t, err)
	require.Equal(t, "RIFF-audio", string(data))
	require.Equal(t, "audio/wav", echo.Recording.ContentType)
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.CompressionResults.WithLabelValues("failed")))
}

func TestTurnViolationLeavesNoOrphanBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	_, err = env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)
	before := env.blobs.Len()

	_, err = env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.ErrorIs(t, err, ErrTurnViolation)
	require.Equal(t, before, env.blobs.Len())
}

func TestExpiredEchoRefusesNewConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	adm, err := env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)

	env.now = env.now.Add(73 * time.Hour)

	_, err = env.svc.SubmitReply(ctx, echo.ID, "C", clip(1))
	require.ErrorIs(t, err, ErrEchoExpired)

	// Existing threads keep going.
	_, err = env.svc.SubmitToConversation(ctx, adm.Conversation.ID, "A", clip(1))
	require.NoError(t, err)

	feed, err := env.svc.Feed(ctx, FeedQuery{})
	require.NoError(t, err)
	require.Empty(t, feed)
}

func TestNonParticipantCannotSubmitOrView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	adm, err := env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)

	_, err = env.svc.SubmitToConversation(ctx, adm.Conversation.ID, "C", clip(1))
	require.ErrorIs(t, err, ErrNotParticipant)
	_, err = env.svc.ConversationView(ctx, adm.Conversation.ID, "C")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestLeaveClosesConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	adm, err := env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)

	conv, err := env.svc.Leave(ctx, adm.Conversation.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, conv.ResponderLeftAt)
	require.True(t, conv.Closed())

	_, err = env.svc.SubmitToConversation(ctx, adm.Conversation.ID, "A", clip(1))
	require.ErrorIs(t, err, ErrConversationClosed)

	_, err = env.svc.Leave(ctx, adm.Conversation.ID, "C")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestConcurrentFirstRepliesOpenOneConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	admitted := 0
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		require.ErrorIs(t, err, ErrTurnViolation)
	}
	require.Equal(t, 1, admitted)

	convs, err := env.store.ListConversationsForEcho(ctx, echo.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := env.store.ListMessages(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

// racingStore lets the first FindConversation miss even though another
// writer already created the row, forcing the creation race path.
type racingStore struct {
	*InMemoryStore
	mu     sync.Mutex
	missed bool
}

func (s *racingStore) FindConversation(ctx context.Context, echoID, responderID string) (Conversation, error) {
	s.mu.Lock()
	if !s.missed {
		s.missed = true
		s.mu.Unlock()
		return Conversation{}, ErrNotFound
	}
	s.mu.Unlock()
	return s.InMemoryStore.FindConversation(ctx, echoID, responderID)
}

func TestLostCreationRaceRetriesLookup(t *testing.T) {
	base := NewInMemoryStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	blobs := blobstore.NewMemoryStore()
	winner := NewService(base, blobs, Options{})
	ctx := context.Background()

	echo, err := winner.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	first, err := winner.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)
	_, err = winner.SubmitToConversation(ctx, first.Conversation.ID, "A", clip(1))
	require.NoError(t, err)

	loser := NewService(&racingStore{InMemoryStore: base}, blobs, Options{Metrics: metrics})
	adm, err := loser.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)
	require.False(t, adm.FirstReply)
	require.Equal(t, first.Conversation.ID, adm.Conversation.ID)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ConversationRaces))
}

func TestRandomInterleavingsAlternate(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		env := newTestEnv(t)
		ctx := context.Background()
		echo, err := env.svc.CreateEcho(ctx, "A", clip(1))
		require.NoError(t, err)

		last := "A"
		convID := ""
		for step := 0; step < 40; step++ {
			actor := "A"
			if rng.Intn(2) == 0 {
				actor = "B"
			}
			var err error
			switch {
			case actor == "B":
				var adm Admission
				adm, err = env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
				if err == nil {
					convID = adm.Conversation.ID
				}
			case convID == "":
				// A cannot reply before B opens the conversation.
				continue
			default:
				_, err = env.svc.SubmitToConversation(ctx, convID, "A", clip(1))
			}

			if actor == last {
				require.ErrorIs(t, err, ErrTurnViolation, "run %d step %d: %s repeated the turn", run, step, actor)
				continue
			}
			require.NoError(t, err, "run %d step %d", run, step)
			last = actor
		}

		if convID == "" {
			continue
		}
		msgs, err := env.store.ListMessages(ctx, convID)
		require.NoError(t, err)
		for i := 1; i < len(msgs); i++ {
			require.NotEqual(t, msgs[i-1].SenderID, msgs[i].SenderID, "run %d: consecutive senders at %d", run, i)
			require.Equal(t, msgs[i-1].Seq+1, msgs[i].Seq)
		}
	}
}

func TestFeedSinceAndEchoViews(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	env.now = env.now.Add(time.Minute)
	second, err := env.svc.CreateEcho(ctx, "C", clip(1))
	require.NoError(t, err)

	feed, err := env.svc.Feed(ctx, FeedQuery{})
	require.NoError(t, err)
	require.Len(t, feed, 2)
	require.Equal(t, second.ID, feed[0].ID)

	feed, err = env.svc.Feed(ctx, FeedQuery{SinceID: first.ID})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	require.Equal(t, second.ID, feed[0].ID)

	_, err = env.svc.SubmitReply(ctx, first.ID, "B", clip(1))
	require.NoError(t, err)
	_, err = env.svc.SubmitReply(ctx, first.ID, "D", clip(1))
	require.NoError(t, err)

	owner, err := env.svc.EchoView(ctx, first.ID, "A")
	require.NoError(t, err)
	require.True(t, owner.IsOwner)
	require.Len(t, owner.Threads, 2)
	for _, th := range owner.Threads {
		require.False(t, th.WaitingForReply)
	}

	mine, err := env.svc.EchoView(ctx, first.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, mine.Mine)
	require.True(t, mine.Mine.WaitingForReply)

	stranger, err := env.svc.EchoView(ctx, first.ID, "E")
	require.NoError(t, err)
	require.Nil(t, stranger.Mine)

	_, err = env.svc.EchoConversations(ctx, first.ID, "B")
	require.ErrorIs(t, err, ErrNotAuthor)
}

func TestDeleteAndPurgeCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	adm, err := env.svc.SubmitReply(ctx, echo.ID, "B", clip(1))
	require.NoError(t, err)
	require.Equal(t, 2, env.blobs.Len())

	require.ErrorIs(t, env.svc.DeleteEcho(ctx, echo.ID, "B"), ErrNotAuthor)
	require.NoError(t, env.svc.DeleteEcho(ctx, echo.ID, "A"))
	require.Zero(t, env.blobs.Len())
	_, err = env.store.GetConversation(ctx, adm.Conversation.ID)
	require.ErrorIs(t, err, ErrNotFound)

	old, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)
	env.now = env.now.Add(40 * 24 * time.Hour)
	fresh, err := env.svc.CreateEcho(ctx, "A", clip(1))
	require.NoError(t, err)

	n, err := env.svc.PurgeExpired(ctx, env.now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = env.store.GetEcho(ctx, old.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.store.GetEcho(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, 1, env.blobs.Len())
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.EchoesPurged))
}
