package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"

	distinctParticipantsConstraint = "conversations_distinct_participants"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initConversationSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initConversationSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			owner_kind TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			blob_key TEXT NOT NULL,
			content_type TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			size_bytes BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_blob_key ON recordings (blob_key);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_owner ON recordings (owner_kind, owner_id);`,
		`CREATE TABLE IF NOT EXISTS echoes (
			id TEXT PRIMARY KEY,
			author_id TEXT NOT NULL,
			recording_id TEXT NOT NULL REFERENCES recordings(id),
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_echoes_created ON echoes (created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			echo_id TEXT NOT NULL REFERENCES echoes(id) ON DELETE CASCADE,
			initiator_id TEXT NOT NULL,
			responder_id TEXT NOT NULL,
			last_message_at TIMESTAMPTZ NOT NULL,
			initiator_left_at TIMESTAMPTZ NULL,
			responder_left_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (echo_id, responder_id),
			CONSTRAINT `+distinctParticipantsConstraint+` CHECK (initiator_id <> responder_id)
		);`,
		// Tables created before the check existed get it here.
		`DO $$ BEGIN
			ALTER TABLE conversations ADD CONSTRAINT `+distinctParticipantsConstraint+` CHECK (initiator_id <> responder_id);
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$;`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_initiator ON conversations (initiator_id, last_message_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_responder ON conversations (responder_id, last_message_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			recording_id TEXT NOT NULL REFERENCES recordings(id),
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (conversation_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init conversation schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgRecordingCols = `r.id, r.owner_kind, r.owner_id, r.blob_key, r.content_type, r.duration_seconds, r.size_bytes, r.created_at`

const pgConversationCols = `id, echo_id, initiator_id, responder_id, last_message_at, initiator_left_at, responder_left_at, created_at`

func (s *PostgresStore) InsertEcho(ctx context.Context, echo Echo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := pgInsertRecording(ctx, tx, echo.Recording); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO echoes (id, author_id, recording_id, created_at) VALUES ($1,$2,$3,$4)`,
		echo.ID, echo.AuthorID, echo.Recording.ID, echo.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert echo: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit echo: %w", err)
	}
	return nil
}

func pgInsertRecording(ctx context.Context, tx pgx.Tx, rec Recording) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO recordings (id, owner_kind, owner_id, blob_key, content_type, duration_seconds, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, string(rec.Owner.Kind), rec.Owner.ID, rec.BlobKey, rec.ContentType, rec.Duration, rec.Size, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEcho(ctx context.Context, id string) (Echo, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT e.id, e.author_id, e.created_at, `+pgRecordingCols+`
		FROM echoes e JOIN recordings r ON r.id = e.recording_id
		WHERE e.id = $1`, id)
	echo, err := pgScanEcho(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Echo{}, ErrNotFound
	}
	if err != nil {
		return Echo{}, fmt.Errorf("query echo: %w", err)
	}
	return echo, nil
}

func (s *PostgresStore) ListEchoes(ctx context.Context, q EchoQuery) ([]Echo, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var newer *time.Time
	if !q.NewerThan.IsZero() {
		newer = &q.NewerThan
	}
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.author_id, e.created_at, `+pgRecordingCols+`
		FROM echoes e JOIN recordings r ON r.id = e.recording_id
		WHERE e.created_at > $1 AND ($2::timestamptz IS NULL OR e.created_at > $2)
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $3`, q.VisibleAfter, newer, limit)
	if err != nil {
		return nil, fmt.Errorf("query echoes: %w", err)
	}
	defer rows.Close()

	out := make([]Echo, 0, limit)
	for rows.Next() {
		echo, err := pgScanEcho(rows)
		if err != nil {
			return nil, fmt.Errorf("scan echo: %w", err)
		}
		out = append(out, echo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate echoes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteEcho(ctx context.Context, id string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	keys, err := pgDeleteEcho(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) PurgeEchoesBefore(ctx context.Context, before time.Time) (PurgeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id FROM echoes WHERE created_at < $1`, before)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("query expired echoes: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return PurgeResult{}, fmt.Errorf("collect expired echoes: %w", err)
	}

	var res PurgeResult
	for _, id := range ids {
		keys, err := pgDeleteEcho(ctx, tx, id)
		if err != nil {
			return PurgeResult{}, err
		}
		res.Echoes++
		res.BlobKeys = append(res.BlobKeys, keys...)
	}
	if err := tx.Commit(ctx); err != nil {
		return PurgeResult{}, fmt.Errorf("commit purge: %w", err)
	}
	return res, nil
}

// pgDeleteEcho removes the echo, its conversations and every recording they
// own, and returns blob keys nothing references anymore.
func pgDeleteEcho(ctx context.Context, tx pgx.Tx, id string) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT r.id, r.blob_key FROM recordings r JOIN echoes e ON e.recording_id = r.id WHERE e.id = $1
		UNION ALL
		SELECT r.id, r.blob_key FROM recordings r
			JOIN messages m ON m.recording_id = r.id
			JOIN conversations c ON c.id = m.conversation_id
		WHERE c.echo_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query echo recordings: %w", err)
	}
	var (
		recIDs []string
		keys   []string
		seen   = map[string]bool{}
	)
	for rows.Next() {
		var recID, key string
		if err := rows.Scan(&recID, &key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan echo recording: %w", err)
		}
		recIDs = append(recIDs, recID)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate echo recordings: %w", err)
	}
	if len(recIDs) == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM echoes WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete echo: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM recordings WHERE id = ANY($1)`, recIDs); err != nil {
		return nil, fmt.Errorf("delete recordings: %w", err)
	}

	rows, err = tx.Query(ctx, `SELECT DISTINCT blob_key FROM recordings WHERE blob_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("query shared blobs: %w", err)
	}
	still, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect shared blobs: %w", err)
	}
	return subtractKeys(keys, still), nil
}

func (s *PostgresStore) FindConversation(ctx context.Context, echoID, responderID string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgConversationCols+` FROM conversations WHERE echo_id = $1 AND responder_id = $2`,
		echoID, responderID)
	return pgConversationResult(row)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgConversationCols+` FROM conversations WHERE id = $1`, id)
	return pgConversationResult(row)
}

func pgConversationResult(row pgx.Row) (Conversation, error) {
	conv, err := pgScanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation, first Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, echo_id, initiator_id, responder_id, last_message_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		conv.ID, conv.EchoID, conv.InitiatorID, conv.ResponderID, conv.LastMessageAt, conv.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return ErrConversationRace
			case pgForeignKeyViolation:
				return ErrNotFound
			case pgCheckViolation:
				if pgErr.ConstraintName == distinctParticipantsConstraint {
					return ErrSelfReply
				}
			}
		}
		return fmt.Errorf("insert conversation: %w", err)
	}

	first.ConversationID = conv.ID
	first.Recording.Owner = Owner{Kind: OwnerMessage, ID: first.ID}
	if err := pgInsertMessage(ctx, tx, first); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConversationRace
		}
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

func pgInsertMessage(ctx context.Context, tx pgx.Tx, msg Message) error {
	if err := pgInsertRecording(ctx, tx, msg.Recording); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, seq, recording_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Seq, msg.Recording.ID, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AppendMessage serializes writers on the conversation row, so the last
// sender it reads cannot change before the insert commits.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := pgScanConversation(tx.QueryRow(ctx,
		`SELECT `+pgConversationCols+` FROM conversations WHERE id = $1 FOR UPDATE`, msg.ConversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, Conversation{}, ErrNotFound
	}
	if err != nil {
		return Message{}, Conversation{}, fmt.Errorf("lock conversation: %w", err)
	}
	if conv.Closed() {
		return Message{}, conv, ErrConversationClosed
	}

	var (
		lastSender string
		lastSeq    int
	)
	err = tx.QueryRow(ctx,
		`SELECT sender_id, seq FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT 1`,
		conv.ID).Scan(&lastSender, &lastSeq)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Message{}, conv, fmt.Errorf("query last message: %w", err)
	case lastSender == msg.SenderID:
		return Message{}, conv, ErrTurnViolation
	}

	msg.Seq = lastSeq + 1
	msg.Recording.Owner = Owner{Kind: OwnerMessage, ID: msg.ID}
	if err := pgInsertMessage(ctx, tx, msg); err != nil {
		return Message{}, conv, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2 WHERE id = $1`, conv.ID, msg.CreatedAt); err != nil {
		return Message{}, conv, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, conv, fmt.Errorf("commit message: %w", err)
	}
	conv.LastMessageAt = msg.CreatedAt
	return msg, conv, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.seq, m.created_at, `+pgRecordingCols+`
		FROM messages m JOIN recordings r ON r.id = m.recording_id
		WHERE m.conversation_id = $1
		ORDER BY m.seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			msg Message
			rec Recording
		)
		var kind string
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Seq, &msg.CreatedAt,
			&rec.ID, &kind, &rec.Owner.ID, &rec.BlobKey, &rec.ContentType, &rec.Duration, &rec.Size, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.Owner.Kind = OwnerKind(kind)
		rec.CreatedAt = rec.CreatedAt.UTC()
		msg.CreatedAt = msg.CreatedAt.UTC()
		msg.Recording = rec
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	return s.listConversations(ctx,
		`SELECT `+pgConversationCols+` FROM conversations
		WHERE initiator_id = $1 OR responder_id = $1
		ORDER BY last_message_at DESC, id ASC`, userID)
}

func (s *PostgresStore) ListConversationsForEcho(ctx context.Context, echoID string) ([]Conversation, error) {
	return s.listConversations(ctx,
		`SELECT `+pgConversationCols+` FROM conversations
		WHERE echo_id = $1
		ORDER BY last_message_at DESC, id ASC`, echoID)
}

func (s *PostgresStore) listConversations(ctx context.Context, query string, arg string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		conv, err := pgScanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkLeft(ctx context.Context, conversationID, userID string, at time.Time) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE conversations SET
			initiator_left_at = CASE WHEN initiator_id = $2 THEN COALESCE(initiator_left_at, $3) ELSE initiator_left_at END,
			responder_left_at = CASE WHEN responder_id = $2 THEN COALESCE(responder_left_at, $3) ELSE responder_left_at END
		WHERE id = $1 AND (initiator_id = $2 OR responder_id = $2)
		RETURNING `+pgConversationCols, conversationID, userID, at)
	conv, err := pgScanConversation(row)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("mark left: %w", err)
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return Conversation{}, err
	}
	return Conversation{}, ErrNotParticipant
}

func (s *PostgresStore) GetRecording(ctx context.Context, id string) (Recording, error) {
	var (
		rec  Recording
		kind string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+pgRecordingCols+` FROM recordings r WHERE r.id = $1`, id).Scan(
		&rec.ID, &kind, &rec.Owner.ID, &rec.BlobKey, &rec.ContentType, &rec.Duration, &rec.Size, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("query recording: %w", err)
	}
	rec.Owner.Kind = OwnerKind(kind)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func pgScanEcho(row pgx.Row) (Echo, error) {
	var (
		echo Echo
		kind string
	)
	rec := &echo.Recording
	if err := row.Scan(
		&echo.ID, &echo.AuthorID, &echo.CreatedAt,
		&rec.ID, &kind, &rec.Owner.ID, &rec.BlobKey, &rec.ContentType, &rec.Duration, &rec.Size, &rec.CreatedAt,
	); err != nil {
		return Echo{}, err
	}
	rec.Owner.Kind = OwnerKind(kind)
	rec.CreatedAt = rec.CreatedAt.UTC()
	echo.CreatedAt = echo.CreatedAt.UTC()
	return echo, nil
}

func pgScanConversation(row pgx.Row) (Conversation, error) {
	var conv Conversation
	if err := row.Scan(
		&conv.ID, &conv.EchoID, &conv.InitiatorID, &conv.ResponderID,
		&conv.LastMessageAt, &conv.InitiatorLeftAt, &conv.ResponderLeftAt, &conv.CreatedAt,
	); err != nil {
		return Conversation{}, err
	}
	conv.LastMessageAt = conv.LastMessageAt.UTC()
	conv.CreatedAt = conv.CreatedAt.UTC()
	return conv, nil
}

// subtractKeys returns keys not present in drop, preserving order.
func subtractKeys(keys, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, k := range drop {
		skip[k] = true
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" && !skip[k] {
			out = append(out, k)
		}
	}
	return out
}
