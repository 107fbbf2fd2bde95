package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/MegaGrindStone/multichat/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite implements the conversation store and the plain settings store on a SQLite database. Messages reference
// their room with a cascading foreign key. Writers are serialised in-process so concurrent replies to the same
// room queue instead of racing for SQLite's write lock; reads run concurrently.
type SQLite struct {
	db *sql.DB

	writeMu sync.Mutex
}

// NewSQLite opens (or creates) a SQLite store at the supplied path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS chat_rooms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL DEFAULT '',
	providers TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id INTEGER NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	image_data TEXT,
	linked_message_id INTEGER,
	platform_type TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);

CREATE TABLE IF NOT EXISTS settings (
	provider TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (provider, field)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseID(id string) (int64, bool) {
	v, err := strconv.ParseInt(id, 10, 64)
	return v, err == nil
}

// CreateRoom inserts a new chat room answering with providers.
func (s *SQLite) CreateRoom(ctx context.Context, title string, providers []models.ProviderID) (models.ChatRoom, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := json.Marshal(providers)
	if err != nil {
		return models.ChatRoom{}, fmt.Errorf("marshal providers: %w", err)
	}
	now := models.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_rooms (title, providers, created_at) VALUES (?, ?, ?)`, title, string(raw), now)
	if err != nil {
		return models.ChatRoom{}, fmt.Errorf("insert room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.ChatRoom{}, fmt.Errorf("room id: %w", err)
	}
	return models.ChatRoom{
		ID:        strconv.FormatInt(id, 10),
		Title:     title,
		Providers: providers,
		CreatedAt: now,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (models.ChatRoom, error) {
	var (
		room      models.ChatRoom
		id        int64
		providers string
	)
	if err := row.Scan(&id, &room.Title, &providers, &room.CreatedAt); err != nil {
		return models.ChatRoom{}, err
	}
	room.ID = strconv.FormatInt(id, 10)
	if err := json.Unmarshal([]byte(providers), &room.Providers); err != nil {
		return models.ChatRoom{}, fmt.Errorf("unmarshal providers: %w", err)
	}
	return room, nil
}

// Room returns the chat room with the given ID, or models.ErrRoomNotFound.
func (s *SQLite) Room(ctx context.Context, roomID string) (models.ChatRoom, error) {
	id, ok := parseID(roomID)
	if !ok {
		return models.ChatRoom{}, models.ErrRoomNotFound
	}
	room, err := scanRoom(s.db.QueryRowContext(ctx,
		`SELECT id, title, providers, created_at FROM chat_rooms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatRoom{}, models.ErrRoomNotFound
	}
	return room, err
}

// Rooms lists every chat room, newest first.
func (s *SQLite) Rooms(ctx context.Context) ([]models.ChatRoom, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, providers, created_at FROM chat_rooms ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.ChatRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// DeleteRoom deletes a room and its messages. Children are removed first inside the same transaction so the
// cascade holds even where the foreign key pragma is off.
func (s *SQLite) DeleteRoom(ctx context.Context, roomID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, ok := parseID(roomID)
	if !ok {
		return models.ErrRoomNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrRoomNotFound
	}
	return tx.Commit()
}

// AppendUserMessage inserts a user message whose turn link is its own ID.
func (s *SQLite) AppendUserMessage(ctx context.Context, roomID, text, image string) (models.Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, ok := parseID(roomID)
	if !ok {
		return models.Message{}, models.ErrRoomNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := roomExists(ctx, tx, id); err != nil {
		return models.Message{}, err
	}

	now := models.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, content, image_data, created_at) VALUES (?, ?, ?, ?)`,
		id, text, nullString(image), now)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("message id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET linked_message_id = ? WHERE id = ?`, msgID, msgID); err != nil {
		return models.Message{}, fmt.Errorf("link message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit: %w", err)
	}

	mid := strconv.FormatInt(msgID, 10)
	return models.Message{
		ID:        mid,
		RoomID:    roomID,
		Content:   text,
		Image:     image,
		TurnLink:  mid,
		CreatedAt: now,
	}, nil
}

// AppendProviderMessage inserts a provider's finished reply linked to a user message of the same room.
func (s *SQLite) AppendProviderMessage(
	ctx context.Context,
	roomID, turnLink string,
	provider models.ProviderID,
	text string,
) (models.Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, ok := parseID(roomID)
	if !ok {
		return models.Message{}, models.ErrRoomNotFound
	}
	linkID, ok := parseID(turnLink)
	if !ok {
		return models.Message{}, models.ErrInvalidTurnLink
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := roomExists(ctx, tx, id); err != nil {
		return models.Message{}, err
	}
	var linkedProvider sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT platform_type FROM messages WHERE id = ? AND chat_id = ?`, linkID, id).Scan(&linkedProvider)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && linkedProvider.Valid) {
		return models.Message{}, models.ErrInvalidTurnLink
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("query linked message: %w", err)
	}

	now := models.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, content, linked_message_id, platform_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, text, linkID, string(provider), now)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit: %w", err)
	}

	return models.Message{
		ID:        strconv.FormatInt(msgID, 10),
		RoomID:    roomID,
		Content:   text,
		TurnLink:  turnLink,
		Provider:  provider,
		CreatedAt: now,
	}, nil
}

// Messages lists the messages of a room, oldest first.
func (s *SQLite) Messages(ctx context.Context, roomID string) ([]models.Message, error) {
	id, ok := parseID(roomID)
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	if err := roomExists(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, image_data, linked_message_id, platform_type, created_at
FROM messages WHERE chat_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msgID, link int64
			image, prov sql.NullString
			msg         models.Message
		)
		if err := rows.Scan(&msgID, &msg.Content, &image, &link, &prov, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = strconv.FormatInt(msgID, 10)
		msg.RoomID = roomID
		msg.Image = image.String
		msg.TurnLink = strconv.FormatInt(link, 10)
		msg.Provider = models.ProviderID(prov.String)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func roomExists(ctx context.Context, q queryer, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM chat_rooms WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("query room: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Get returns a provider setting and whether it has been set.
func (s *SQLite) Get(ctx context.Context, provider models.ProviderID, field string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE provider = ? AND field = ?`, string(provider), field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query setting: %w", err)
	}
	return value, true, nil
}

// Set stores a provider setting.
func (s *SQLite) Set(ctx context.Context, provider models.ProviderID, field, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings (provider, field, value) VALUES (?, ?, ?)
ON CONFLICT(provider, field) DO UPDATE SET value = excluded.value`, string(provider), field, value)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}
