package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	connection_id   TEXT NOT NULL,
	chat_jid        TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	is_group        INTEGER NOT NULL DEFAULT 0,
	unread_count    INTEGER NOT NULL DEFAULT 0,
	last_message_at INTEGER NOT NULL DEFAULT 0,
	archived        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (connection_id, chat_jid)
);

CREATE TABLE IF NOT EXISTS contacts (
	connection_id TEXT NOT NULL,
	jid           TEXT NOT NULL,
	full_name     TEXT NOT NULL DEFAULT '',
	push_name     TEXT NOT NULL DEFAULT '',
	business_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (connection_id, jid)
);

CREATE TABLE IF NOT EXISTS messages (
	connection_id   TEXT NOT NULL,
	chat_jid        TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	sender          TEXT NOT NULL DEFAULT '',
	sender_name     TEXT NOT NULL DEFAULT '',
	from_me         INTEGER NOT NULL DEFAULT 0,
	is_group        INTEGER NOT NULL DEFAULT 0,
	timestamp       INTEGER NOT NULL DEFAULT 0,
	kind            TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL DEFAULT '',
	media_type      TEXT NOT NULL DEFAULT '',
	mime_type       TEXT NOT NULL DEFAULT '',
	file_name       TEXT NOT NULL DEFAULT '',
	delivery_status TEXT NOT NULL DEFAULT '',
	quoted_id       TEXT NOT NULL DEFAULT '',
	raw             BLOB,
	PRIMARY KEY (connection_id, chat_jid, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_time
	ON messages (connection_id, chat_jid, timestamp DESC);
`

// SQLiteGateway implements Gateway on a single sqlite file.
type SQLiteGateway struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewSQLiteGateway(path string, logger *logrus.Logger) (*SQLiteGateway, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// modernc sqlite misbehaves with concurrent writers on one connection pool
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteGateway{db: db, logger: logger}, nil
}

func (g *SQLiteGateway) UpsertChat(ctx context.Context, chat Chat) error {
	var lastMessage int64
	if !chat.LastMessageAt.IsZero() {
		lastMessage = chat.LastMessageAt.Unix()
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO chats (connection_id, chat_jid, name, is_group, unread_count, last_message_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, chat_jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			archived = excluded.archived`,
		chat.ConnectionID, chat.ChatJID, chat.Name, boolToInt(chat.IsGroup),
		chat.UnreadCount, lastMessage, boolToInt(chat.Archived))
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", chat.ChatJID, err)
	}
	return nil
}

// TouchChat records message activity for a chat without clobbering fields
// the caller does not know, creating the row if needed.
func (g *SQLiteGateway) TouchChat(ctx context.Context, connectionID, chatJID string, isGroup bool, lastMessageAt time.Time) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO chats (connection_id, chat_jid, is_group, last_message_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connection_id, chat_jid) DO UPDATE SET
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at)`,
		connectionID, chatJID, boolToInt(isGroup), lastMessageAt.Unix())
	if err != nil {
		return fmt.Errorf("touch chat %s: %w", chatJID, err)
	}
	return nil
}

func (g *SQLiteGateway) UpsertContact(ctx context.Context, contact Contact) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO contacts (connection_id, jid, full_name, push_name, business_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, jid) DO UPDATE SET
			full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE contacts.full_name END,
			push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
			business_name = CASE WHEN excluded.business_name != '' THEN excluded.business_name ELSE contacts.business_name END`,
		contact.ConnectionID, contact.JID, contact.FullName, contact.PushName, contact.BusinessName)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", contact.JID, err)
	}
	return nil
}

func (g *SQLiteGateway) UpsertMessage(ctx context.Context, msg Message) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO messages (connection_id, chat_jid, message_id, sender, sender_name,
			from_me, is_group, timestamp, kind, text, media_type, mime_type, file_name,
			delivery_status, quoted_id, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, chat_jid, message_id) DO UPDATE SET
			sender = excluded.sender,
			sender_name = excluded.sender_name,
			from_me = excluded.from_me,
			is_group = excluded.is_group,
			timestamp = excluded.timestamp,
			kind = excluded.kind,
			text = excluded.text,
			media_type = excluded.media_type,
			mime_type = excluded.mime_type,
			file_name = excluded.file_name,
			delivery_status = excluded.delivery_status,
			quoted_id = excluded.quoted_id,
			raw = excluded.raw
		WHERE excluded.timestamp >= messages.timestamp`,
		msg.ConnectionID, msg.ChatJID, msg.MessageID, msg.Sender, msg.SenderName,
		boolToInt(msg.FromMe), boolToInt(msg.IsGroup), msg.Timestamp.Unix(),
		msg.Kind, msg.Text, msg.MediaType, msg.MimeType, msg.FileName,
		msg.DeliveryStatus, msg.QuotedID, msg.Raw)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.MessageID, err)
	}
	return nil
}

func (g *SQLiteGateway) Chats(ctx context.Context, connectionID string) ([]Chat, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT connection_id, chat_jid, name, is_group, unread_count, last_message_at, archived
		FROM chats WHERE connection_id = ?
		ORDER BY last_message_at DESC`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var isGroup, archived int
		var lastMessage int64
		if err := rows.Scan(&c.ConnectionID, &c.ChatJID, &c.Name, &isGroup, &c.UnreadCount, &lastMessage, &archived); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.IsGroup = isGroup != 0
		c.Archived = archived != 0
		if lastMessage > 0 {
			c.LastMessageAt = time.Unix(lastMessage, 0)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (g *SQLiteGateway) Contacts(ctx context.Context, connectionID string) ([]Contact, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT connection_id, jid, full_name, push_name, business_name
		FROM contacts WHERE connection_id = ?
		ORDER BY jid`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ConnectionID, &c.JID, &c.FullName, &c.PushName, &c.BusinessName); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (g *SQLiteGateway) Messages(ctx context.Context, connectionID, chatJID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT connection_id, chat_jid, message_id, sender, sender_name, from_me, is_group,
			timestamp, kind, text, media_type, mime_type, file_name, delivery_status, quoted_id
		FROM messages WHERE connection_id = ? AND chat_jid = ?
		ORDER BY timestamp DESC LIMIT ?`, connectionID, chatJID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var fromMe, isGroup int
		var ts int64
		if err := rows.Scan(&m.ConnectionID, &m.ChatJID, &m.MessageID, &m.Sender, &m.SenderName,
			&fromMe, &isGroup, &ts, &m.Kind, &m.Text, &m.MediaType, &m.MimeType, &m.FileName,
			&m.DeliveryStatus, &m.QuotedID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.FromMe = fromMe != 0
		m.IsGroup = isGroup != 0
		m.Timestamp = time.Unix(ts, 0)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (g *SQLiteGateway) MessageRaw(ctx context.Context, connectionID, chatJID, messageID string) ([]byte, error) {
	var raw []byte
	err := g.db.QueryRowContext(ctx, `
		SELECT raw FROM messages
		WHERE connection_id = ? AND chat_jid = ? AND message_id = ?`,
		connectionID, chatJID, messageID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query message raw: %w", err)
	}
	return raw, nil
}

func (g *SQLiteGateway) UpdateDeliveryStatus(ctx context.Context, connectionID, chatJID string, messageIDs []string, status string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]interface{}, 0, len(messageIDs)+3)
	args = append(args, status, connectionID, chatJID)
	for _, id := range messageIDs {
		args = append(args, id)
	}

	_, err := g.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE messages SET delivery_status = ?
		WHERE connection_id = ? AND chat_jid = ? AND message_id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	return nil
}

func (g *SQLiteGateway) DeleteChat(ctx context.Context, connectionID, chatJID string) error {
	if _, err := g.db.ExecContext(ctx,
		`DELETE FROM messages WHERE connection_id = ? AND chat_jid = ?`, connectionID, chatJID); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	if _, err := g.db.ExecContext(ctx,
		`DELETE FROM chats WHERE connection_id = ? AND chat_jid = ?`, connectionID, chatJID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

func (g *SQLiteGateway) DeleteMessage(ctx context.Context, connectionID, chatJID, messageID string) error {
	_, err := g.db.ExecContext(ctx,
		`DELETE FROM messages WHERE connection_id = ? AND chat_jid = ? AND message_id = ?`,
		connectionID, chatJID, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (g *SQLiteGateway) CountChats(ctx context.Context, connectionID string) (int, error) {
	return g.count(ctx, `SELECT COUNT(*) FROM chats WHERE connection_id = ?`, connectionID)
}

func (g *SQLiteGateway) CountContacts(ctx context.Context, connectionID string) (int, error) {
	return g.count(ctx, `SELECT COUNT(*) FROM contacts WHERE connection_id = ?`, connectionID)
}

func (g *SQLiteGateway) CountMessages(ctx context.Context, connectionID string) (int, error) {
	return g.count(ctx, `SELECT COUNT(*) FROM messages WHERE connection_id = ?`, connectionID)
}

func (g *SQLiteGateway) count(ctx context.Context, query, connectionID string) (int, error) {
	var n int
	if err := g.db.QueryRowContext(ctx, query, connectionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
