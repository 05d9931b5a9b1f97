package event

import "time"

// Type identifies a normalized domain event variant.
type Type string

const (
	TypeMessage         Type = "message"
	TypeMessageUpdate   Type = "message_update"
	TypeMessageDelete   Type = "message_delete"
	TypeReaction        Type = "reaction"
	TypeReceipt         Type = "receipt"
	TypeChatUpsert      Type = "chat_upsert"
	TypeChatDelete      Type = "chat_delete"
	TypeContactUpsert   Type = "contact_upsert"
	TypeGroupUpdate     Type = "group_update"
	TypePresence        Type = "presence"
	TypeCall            Type = "call"
	TypeQRIssued        Type = "qr_issued"
	TypePairingCode     Type = "pairing_code"
	TypeConnectionState Type = "connection_state_changed"
	TypeHistorySynced   Type = "history_synced"
)

// Event is the closed union of everything the gateway emits downstream.
// Exactly one payload pointer is set, matching Type.
type Event struct {
	Type         Type      `json:"type"`
	ConnectionID string    `json:"connection_id"`
	At           time.Time `json:"at"`

	Message     *Message     `json:"message,omitempty"`
	Update      *Update      `json:"update,omitempty"`
	Delete      *Delete      `json:"delete,omitempty"`
	Reaction    *Reaction    `json:"reaction,omitempty"`
	Receipt     *Receipt     `json:"receipt,omitempty"`
	Chat        *Chat        `json:"chat,omitempty"`
	Contact     *Contact     `json:"contact,omitempty"`
	Group       *Group       `json:"group,omitempty"`
	Presence    *Presence    `json:"presence,omitempty"`
	Call        *Call        `json:"call,omitempty"`
	QR          *QR          `json:"qr,omitempty"`
	Pairing     *Pairing     `json:"pairing,omitempty"`
	Connection  *Connection  `json:"connection,omitempty"`
	HistorySync *HistorySync `json:"history_sync,omitempty"`
}

// Message is a fully parsed inbound or outbound message.
type Message struct {
	// ID is the natural key: connectionId+remoteJid+protocolMessageId.
	ID              string    `json:"id"`
	MessageID       string    `json:"message_id"`
	RemoteJID       string    `json:"remote_jid"`
	Sender          string    `json:"sender"`
	SenderName      string    `json:"sender_name,omitempty"`
	FromMe          bool      `json:"from_me"`
	IsGroup         bool      `json:"is_group"`
	Timestamp       time.Time `json:"timestamp"`
	DeliveryStatus  string    `json:"delivery_status,omitempty"`
	QuotedMessageID string    `json:"quoted_message_id,omitempty"`
	Content         Content   `json:"content"`
}

type Update struct {
	MessageID string  `json:"message_id"`
	RemoteJID string  `json:"remote_jid"`
	Edited    Content `json:"edited"`
}

type Delete struct {
	MessageID string `json:"message_id"`
	RemoteJID string `json:"remote_jid"`
	ForMe     bool   `json:"for_me"`
}

type Reaction struct {
	MessageID string `json:"message_id"`
	RemoteJID string `json:"remote_jid"`
	Sender    string `json:"sender"`
	Emoji     string `json:"emoji"` // empty means the reaction was removed
}

type Receipt struct {
	RemoteJID  string    `json:"remote_jid"`
	Sender     string    `json:"sender"`
	MessageIDs []string  `json:"message_ids"`
	Status     string    `json:"status"` // delivered, read, played
	Timestamp  time.Time `json:"timestamp"`
}

type Chat struct {
	ChatJID       string    `json:"chat_jid"`
	Name          string    `json:"name,omitempty"`
	IsGroup       bool      `json:"is_group"`
	UnreadCount   int       `json:"unread_count,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	Archived      bool      `json:"archived,omitempty"`
}

type Contact struct {
	JID          string `json:"jid"`
	FullName     string `json:"full_name,omitempty"`
	PushName     string `json:"push_name,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
}

type Group struct {
	GroupJID string `json:"group_jid"`
	Name     string `json:"name,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

type Presence struct {
	JID      string    `json:"jid"`
	ChatJID  string    `json:"chat_jid,omitempty"`
	Status   string    `json:"status"` // available, unavailable, composing, recording, paused
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type Call struct {
	CallID string    `json:"call_id"`
	From   string    `json:"from"`
	Status string    `json:"status"` // offer, accept, terminate
	At     time.Time `json:"at"`
}

type QR struct {
	Code string `json:"code"`
	// PNG is the rendered code, base64-encoded, ready for an <img> tag.
	PNG string `json:"png,omitempty"`
}

type Pairing struct {
	Code        string `json:"code"`
	PhoneNumber string `json:"phone_number"`
}

type Connection struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"` // transient or loggedOut for closed states
}

type HistorySync struct {
	SyncType string `json:"sync_type"`
	Chats    int    `json:"chats"`
	Contacts int    `json:"contacts"`
	Messages int    `json:"messages"`
	Skipped  int    `json:"skipped"`
}

// ContentKind is the closed set of message content variants.
type ContentKind string

const (
	KindText        ContentKind = "text"
	KindMedia       ContentKind = "media"
	KindLocation    ContentKind = "location"
	KindContact     ContentKind = "contact"
	KindGroupInvite ContentKind = "group_invite"
)

// Content is the parsed message body. Exactly one variant pointer is set.
// Unknown protocol kinds degrade to a Text placeholder, never an error.
type Content struct {
	Kind        ContentKind  `json:"kind"`
	Text        *Text        `json:"text,omitempty"`
	Media       *Media       `json:"media,omitempty"`
	Location    *Location    `json:"location,omitempty"`
	Contact     *ContactCard `json:"contact,omitempty"`
	GroupInvite *GroupInvite `json:"group_invite,omitempty"`
}

type Text struct {
	Body       string `json:"body"`
	IsExtended bool   `json:"is_extended,omitempty"`
	QuotedID   string `json:"quoted_id,omitempty"`
}

type Media struct {
	MediaType string `json:"media_type"` // image, video, audio, voice, document, sticker
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Seconds   uint32 `json:"seconds,omitempty"`
	Size      uint64 `json:"size,omitempty"`
	Thumbnail []byte `json:"thumbnail,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type ContactCard struct {
	Name   string `json:"name"`
	Number string `json:"number,omitempty"`
	VCard  string `json:"vcard,omitempty"`
}

type GroupInvite struct {
	GroupName  string `json:"group_name,omitempty"`
	GroupJID   string `json:"group_jid"`
	InviteCode string `json:"invite_code"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

// PreviewText returns a short human-readable rendering of the content,
// used for chat previews and for the text column of stored messages.
func (c Content) PreviewText() string {
	switch c.Kind {
	case KindText:
		if c.Text != nil {
			return c.Text.Body
		}
	case KindMedia:
		if c.Media != nil && c.Media.Caption != "" {
			return c.Media.Caption
		}
	case KindLocation:
		if c.Location != nil && c.Location.Name != "" {
			return c.Location.Name
		}
	case KindContact:
		if c.Contact != nil {
			return c.Contact.Name
		}
	case KindGroupInvite:
		if c.GroupInvite != nil {
			return c.GroupInvite.GroupName
		}
	}
	return ""
}
