package conversation

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the single-node store. Timestamps are unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("sqlite conversation store ready")
	return &SQLiteStore{db: db}, nil
}

// OpenSQLite opens path with WAL and foreign keys on and a single connection;
// every statement is serialized through it.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

const sqRecordingCols = `r.id, r.owner_kind, r.owner_id, r.blob_key, r.content_type, r.duration_seconds, r.size_bytes, r.created_at`

const sqConversationCols = `id, echo_id, initiator_id, responder_id, last_message_at, initiator_left_at, responder_left_at, created_at`

type sqScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) InsertEcho(ctx context.Context, echo Echo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := sqInsertRecording(ctx, tx, echo.Recording); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO echoes (id, author_id, recording_id, created_at) VALUES (?, ?, ?, ?)`,
		echo.ID, echo.AuthorID, echo.Recording.ID, toMicros(echo.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert echo: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit echo: %w", err)
	}
	return nil
}

func sqInsertRecording(ctx context.Context, tx *sql.Tx, rec Recording) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO recordings (id, owner_kind, owner_id, blob_key, content_type, duration_seconds, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Owner.Kind), rec.Owner.ID, rec.BlobKey, rec.ContentType, rec.Duration, rec.Size, toMicros(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEcho(ctx context.Context, id string) (Echo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT e.id, e.author_id, e.created_at, `+sqRecordingCols+`
		FROM echoes e JOIN recordings r ON r.id = e.recording_id
		WHERE e.id = ?`, id)
	echo, err := sqScanEcho(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Echo{}, ErrNotFound
	}
	if err != nil {
		return Echo{}, fmt.Errorf("query echo: %w", err)
	}
	return echo, nil
}

func (s *SQLiteStore) ListEchoes(ctx context.Context, q EchoQuery) ([]Echo, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	after := toMicros(q.VisibleAfter)
	if !q.NewerThan.IsZero() && q.NewerThan.After(q.VisibleAfter) {
		after = toMicros(q.NewerThan)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.author_id, e.created_at, `+sqRecordingCols+`
		FROM echoes e JOIN recordings r ON r.id = e.recording_id
		WHERE e.created_at > ?
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query echoes: %w", err)
	}
	defer rows.Close()

	out := make([]Echo, 0, limit)
	for rows.Next() {
		echo, err := sqScanEcho(rows)
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

func (s *SQLiteStore) DeleteEcho(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	keys, err := sqDeleteEcho(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) PurgeEchoesBefore(ctx context.Context, before time.Time) (PurgeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := sqStrings(ctx, tx, `SELECT id FROM echoes WHERE created_at < ?`, toMicros(before))
	if err != nil {
		return PurgeResult{}, fmt.Errorf("query expired echoes: %w", err)
	}
	var res PurgeResult
	for _, id := range ids {
		keys, err := sqDeleteEcho(ctx, tx, id)
		if err != nil {
			return PurgeResult{}, err
		}
		res.Echoes++
		res.BlobKeys = append(res.BlobKeys, keys...)
	}
	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("commit purge: %w", err)
	}
	return res, nil
}

func sqStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func sqDeleteEcho(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT r.id, r.blob_key FROM recordings r JOIN echoes e ON e.recording_id = r.id WHERE e.id = ?
		UNION ALL
		SELECT r.id, r.blob_key FROM recordings r
			JOIN messages m ON m.recording_id = r.id
			JOIN conversations c ON c.id = m.conversation_id
		WHERE c.echo_id = ?`, id, id)
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
			_ = rows.Close()
			return nil, fmt.Errorf("scan echo recording: %w", err)
		}
		recIDs = append(recIDs, recID)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close echo recordings: %w", err)
	}
	if len(recIDs) == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM echoes WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete echo: %w", err)
	}
	for _, recID := range recIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, recID); err != nil {
			return nil, fmt.Errorf("delete recording: %w", err)
		}
	}

	var still []string
	for _, key := range keys {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings WHERE blob_key = ?`, key).Scan(&n); err != nil {
			return nil, fmt.Errorf("count blob references: %w", err)
		}
		if n > 0 {
			still = append(still, key)
		}
	}
	return subtractKeys(keys, still), nil
}

func (s *SQLiteStore) FindConversation(ctx context.Context, echoID, responderID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqConversationCols+` FROM conversations WHERE echo_id = ? AND responder_id = ?`,
		echoID, responderID)
	return sqConversationResult(row)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqConversationCols+` FROM conversations WHERE id = ?`, id)
	return sqConversationResult(row)
}

func sqConversationResult(row sqScanner) (Conversation, error) {
	conv, err := sqScanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv Conversation, first Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, echo_id, initiator_id, responder_id, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.EchoID, conv.InitiatorID, conv.ResponderID, toMicros(conv.LastMessageAt), toMicros(conv.CreatedAt),
	)
	if err != nil {
		switch code := sqliteCode(err); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, strings.Contains(err.Error(), "UNIQUE constraint failed"):
			return ErrConversationRace
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
			return ErrNotFound
		case strings.Contains(err.Error(), "conversations_distinct_participants"):
			return ErrSelfReply
		}
		return fmt.Errorf("insert conversation: %w", err)
	}

	first.ConversationID = conv.ID
	first.Recording.Owner = Owner{Kind: OwnerMessage, ID: first.ID}
	if err := sqInsertMessage(ctx, tx, first); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

func sqInsertMessage(ctx context.Context, tx *sql.Tx, msg Message) error {
	if err := sqInsertRecording(ctx, tx, msg.Recording); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, seq, recording_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Seq, msg.Recording.ID, toMicros(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AppendMessage relies on the single connection: the transaction below runs
// alone, so the last-sender read and the insert are atomic.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := sqScanConversation(tx.QueryRowContext(ctx,
		`SELECT `+sqConversationCols+` FROM conversations WHERE id = ?`, msg.ConversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, Conversation{}, ErrNotFound
	}
	if err != nil {
		return Message{}, Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Closed() {
		return Message{}, conv, ErrConversationClosed
	}

	var (
		lastSender string
		lastSeq    int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sender_id, seq FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`,
		conv.ID).Scan(&lastSender, &lastSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Message{}, conv, fmt.Errorf("query last message: %w", err)
	case lastSender == msg.SenderID:
		return Message{}, conv, ErrTurnViolation
	}

	msg.Seq = lastSeq + 1
	msg.Recording.Owner = Owner{Kind: OwnerMessage, ID: msg.ID}
	if err := sqInsertMessage(ctx, tx, msg); err != nil {
		return Message{}, conv, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`, toMicros(msg.CreatedAt), conv.ID); err != nil {
		return Message{}, conv, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, conv, fmt.Errorf("commit message: %w", err)
	}
	conv.LastMessageAt = msg.CreatedAt
	return msg, conv, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.seq, m.created_at, `+sqRecordingCols+`
		FROM messages m JOIN recordings r ON r.id = m.recording_id
		WHERE m.conversation_id = ?
		ORDER BY m.seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var msg Message
		dest := append([]any{&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Seq, microsScan{&msg.CreatedAt}},
			sqRecordingDest(&msg.Recording)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	return s.listConversations(ctx,
		`SELECT `+sqConversationCols+` FROM conversations
		WHERE initiator_id = ?1 OR responder_id = ?1
		ORDER BY last_message_at DESC, id ASC`, userID)
}

func (s *SQLiteStore) ListConversationsForEcho(ctx context.Context, echoID string) ([]Conversation, error) {
	return s.listConversations(ctx,
		`SELECT `+sqConversationCols+` FROM conversations
		WHERE echo_id = ?
		ORDER BY last_message_at DESC, id ASC`, echoID)
}

func (s *SQLiteStore) listConversations(ctx context.Context, query, arg string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		conv, err := sqScanConversation(rows)
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

func (s *SQLiteStore) MarkLeft(ctx context.Context, conversationID, userID string, at time.Time) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := sqScanConversation(tx.QueryRowContext(ctx,
		`SELECT `+sqConversationCols+` FROM conversations WHERE id = ?`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}

	var column string
	switch userID {
	case conv.InitiatorID:
		column = "initiator_left_at"
		if conv.InitiatorLeftAt == nil {
			conv.InitiatorLeftAt = &at
		}
	case conv.ResponderID:
		column = "responder_left_at"
		if conv.ResponderLeftAt == nil {
			conv.ResponderLeftAt = &at
		}
	default:
		return Conversation{}, ErrNotParticipant
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = COALESCE(`+column+`, ?) WHERE id = ?`,
		toMicros(at), conversationID); err != nil {
		return Conversation{}, fmt.Errorf("mark left: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit leave: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetRecording(ctx context.Context, id string) (Recording, error) {
	var rec Recording
	err := s.db.QueryRowContext(ctx, `SELECT `+sqRecordingCols+` FROM recordings r WHERE r.id = ?`, id).
		Scan(sqRecordingDest(&rec)...)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("query recording: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

type ownerKindScan struct{ kind *OwnerKind }

func (o ownerKindScan) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*o.kind = OwnerKind(v)
	case []byte:
		*o.kind = OwnerKind(v)
	default:
		return fmt.Errorf("recording owner_kind: unexpected %T", src)
	}
	return nil
}

type microsScan struct{ t *time.Time }

func (m microsScan) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("timestamp: unexpected %T", src)
	}
	*m.t = fromMicros(v)
	return nil
}

func sqRecordingDest(rec *Recording) []any {
	return []any{
		&rec.ID, ownerKindScan{&rec.Owner.Kind}, &rec.Owner.ID, &rec.BlobKey,
		&rec.ContentType, &rec.Duration, &rec.Size, microsScan{&rec.CreatedAt},
	}
}

func sqScanEcho(row sqScanner) (Echo, error) {
	var echo Echo
	dest := append([]any{&echo.ID, &echo.AuthorID, microsScan{&echo.CreatedAt}}, sqRecordingDest(&echo.Recording)...)
	if err := row.Scan(dest...); err != nil {
		return Echo{}, err
	}
	return echo, nil
}

func sqScanConversation(row sqScanner) (Conversation, error) {
	var (
		conv                         Conversation
		initiatorLeft, responderLeft sql.NullInt64
	)
	if err := row.Scan(
		&conv.ID, &conv.EchoID, &conv.InitiatorID, &conv.ResponderID,
		microsScan{&conv.LastMessageAt}, &initiatorLeft, &responderLeft, microsScan{&conv.CreatedAt},
	); err != nil {
		return Conversation{}, err
	}
	conv.InitiatorLeftAt = fromNullMicros(initiatorLeft)
	conv.ResponderLeftAt = fromNullMicros(responderLeft)
	return conv, nil
}
