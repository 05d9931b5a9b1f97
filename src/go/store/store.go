package store

import (
	"context"
	"time"

	"whatsapp-gateway/src/go/event"
)

// Chat is one conversation row, keyed by (connection_id, chat_jid).
type Chat struct {
	ConnectionID  string    `json:"connection_id"`
	ChatJID       string    `json:"chat_jid"`
	Name          string    `json:"name,omitempty"`
	IsGroup       bool      `json:"is_group"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	Archived      bool      `json:"archived"`
}

// Contact is one address book entry, keyed by (connection_id, jid).
type Contact struct {
	ConnectionID string `json:"connection_id"`
	JID          string `json:"jid"`
	FullName     string `json:"full_name,omitempty"`
	PushName     string `json:"push_name,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
}

// Message is one stored message, keyed by (connection_id, chat_jid, message_id).
// Raw holds the serialized protocol payload for retry lookups.
type Message struct {
	ConnectionID   string    `json:"connection_id"`
	ChatJID        string    `json:"chat_jid"`
	MessageID      string    `json:"message_id"`
	Sender         string    `json:"sender"`
	SenderName     string    `json:"sender_name,omitempty"`
	FromMe         bool      `json:"from_me"`
	IsGroup        bool      `json:"is_group"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text,omitempty"`
	MediaType      string    `json:"media_type,omitempty"`
	MimeType       string    `json:"mime_type,omitempty"`
	FileName       string    `json:"file_name,omitempty"`
	DeliveryStatus string    `json:"delivery_status,omitempty"`
	QuotedID       string    `json:"quoted_id,omitempty"`
	Raw            []byte    `json:"-"`
}

// MessageFromEvent converts a normalized message event into a storable row.
func MessageFromEvent(connectionID string, m *event.Message, raw []byte) Message {
	rec := Message{
		ConnectionID:   connectionID,
		ChatJID:        m.RemoteJID,
		MessageID:      m.MessageID,
		Sender:         m.Sender,
		SenderName:     m.SenderName,
		FromMe:         m.FromMe,
		IsGroup:        m.IsGroup,
		Timestamp:      m.Timestamp,
		Kind:           string(m.Content.Kind),
		Text:           m.Content.PreviewText(),
		DeliveryStatus: m.DeliveryStatus,
		QuotedID:       m.QuotedMessageID,
		Raw:            raw,
	}
	if media := m.Content.Media; media != nil {
		rec.MediaType = media.MediaType
		rec.MimeType = media.MimeType
		rec.FileName = media.FileName
	}
	return rec
}

// Gateway is the persistence surface. All upserts are idempotent on their
// natural key with last write wins.
type Gateway interface {
	UpsertChat(ctx context.Context, chat Chat) error
	TouchChat(ctx context.Context, connectionID, chatJID string, isGroup bool, lastMessageAt time.Time) error
	UpsertContact(ctx context.Context, contact Contact) error
	UpsertMessage(ctx context.Context, msg Message) error

	Chats(ctx context.Context, connectionID string) ([]Chat, error)
	Contacts(ctx context.Context, connectionID string) ([]Contact, error)
	Messages(ctx context.Context, connectionID, chatJID string, limit int) ([]Message, error)
	MessageRaw(ctx context.Context, connectionID, chatJID, messageID string) ([]byte, error)

	UpdateDeliveryStatus(ctx context.Context, connectionID, chatJID string, messageIDs []string, status string) error
	DeleteChat(ctx context.Context, connectionID, chatJID string) error
	DeleteMessage(ctx context.Context, connectionID, chatJID, messageID string) error

	CountChats(ctx context.Context, connectionID string) (int, error)
	CountContacts(ctx context.Context, connectionID string) (int, error)
	CountMessages(ctx context.Context, connectionID string) (int, error)

	Close() error
}
