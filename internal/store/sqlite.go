package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chatbridge/internal/domain"
)

// SQLite is an embedded Backend for single-node deployments. Its session never
// expires, so Authenticate is a connectivity check.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Authenticate(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const chatColumns = `id, platform_chat_id, source, name, auto_mode, openai_thread_id, updated_at`

func scanChat(row interface{ Scan(...any) error }) (domain.Chat, error) {
	var c domain.Chat
	var source string
	err := row.Scan(&c.ID, &c.PlatformChatID, &source, &c.Name, &c.AutoMode, &c.AssistantThreadID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Chat{}, ErrNotFound
	}
	c.Source = domain.Source(source)
	return c, err
}

func (s *SQLite) FindChat(ctx context.Context, source domain.Source, platformChatID string) (domain.Chat, error) {
	return scanChat(s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE source = ? AND platform_chat_id = ?`,
		string(source), platformChatID,
	))
}

func (s *SQLite) GetChat(ctx context.Context, id string) (domain.Chat, error) {
	return scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
}

// CreateChat inserts a chat. A concurrent insert for the same
// (source, platform_chat_id) converges on the row that won.
func (s *SQLite) CreateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	if chat.PlatformChatID == "" || !chat.Source.Valid() {
		return domain.Chat{}, &ValidationError{Collection: "chats", Detail: "platformChatId and a known source are required"}
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source, platform_chat_id) DO NOTHING`,
		uuid.NewString(), chat.PlatformChatID, string(chat.Source), chat.Name, chat.AutoMode, chat.AssistantThreadID, chat.UpdatedAt,
	)
	if err != nil {
		return domain.Chat{}, err
	}
	return s.FindChat(ctx, chat.Source, chat.PlatformChatID)
}

func (s *SQLite) UpdateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET name = ?, auto_mode = ?, openai_thread_id = ?, updated_at = ? WHERE id = ?`,
		chat.Name, chat.AutoMode, chat.AssistantThreadID, chat.UpdatedAt, chat.ID,
	)
	if err != nil {
		return domain.Chat{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Chat{}, ErrNotFound
	}
	return s.GetChat(ctx, chat.ID)
}

func (s *SQLite) TouchChat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListChats(ctx context.Context, filter domain.ChatFilter) ([]domain.Chat, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + chatColumns + ` FROM chats`
	args := []any{}
	if filter.Source != "" {
		query += ` WHERE source = ?`
		args = append(args, string(filter.Source))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

const messageColumns = `id, platform_message_id, source, chat_id, type, content, media_file_id,
	is_incoming, timestamp, sender_id, sender_name, response_mode`

func scanMessage(row interface{ Scan(...any) error }) (domain.Message, error) {
	var m domain.Message
	var source, typ, mode string
	err := row.Scan(&m.ID, &m.PlatformMessageID, &source, &m.ChatID, &typ, &m.Content, &m.MediaFileID,
		&m.IsIncoming, &m.Timestamp, &m.SenderID, &m.SenderName, &mode)
	if err == sql.ErrNoRows {
		return domain.Message{}, ErrNotFound
	}
	m.Source = domain.Source(source)
	m.Type = domain.MessageType(typ)
	m.ResponseMode = domain.ResponseMode(mode)
	return m, err
}

func (s *SQLite) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg.ID = uuid.NewString()
	msg.Timestamp = msg.Timestamp.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.PlatformMessageID, string(msg.Source), msg.ChatID, string(msg.Type), msg.Content, msg.MediaFileID,
		msg.IsIncoming, msg.Timestamp, msg.SenderID, msg.SenderName, string(msg.ResponseMode),
	)
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *SQLite) FindMessage(ctx context.Context, platformMessageID, senderID string) (domain.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE platform_message_id = ? AND sender_id = ? LIMIT 1`,
		platformMessageID, senderID,
	))
}

// ListMessages returns the last limit messages of a chat, oldest first.
func (s *SQLite) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY timestamp DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLite) CreateMedia(ctx context.Context, media domain.MediaFile) (domain.MediaFile, error) {
	media.ID = uuid.NewString()
	if media.CreatedAt.IsZero() {
		media.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (id, filename, content_type, source, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		media.ID, media.Filename, media.ContentType, string(media.Source), media.Data, media.CreatedAt,
	)
	if err != nil {
		return domain.MediaFile{}, err
	}
	return media, nil
}

func (s *SQLite) GetMedia(ctx context.Context, id string) (domain.MediaFile, error) {
	var m domain.MediaFile
	var source string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, content_type, source, data, created_at FROM media WHERE id = ?`, id,
	).Scan(&m.ID, &m.Filename, &m.ContentType, &source, &m.Data, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.MediaFile{}, ErrNotFound
	}
	m.Source = domain.Source(source)
	return m, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
