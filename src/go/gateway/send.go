package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/store"
)

// SendPayload describes an outbound message. Exactly one of Text, Media or
// Location should be set; QuotedID turns a text into a reply.
type SendPayload struct {
	Text     string           `json:"text,omitempty"`
	QuotedID string           `json:"quoted_id,omitempty"`
	Media    *MediaPayload    `json:"media,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
}

type MediaPayload struct {
	Type     string `json:"type"` // image, video, audio, voice, document
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"data"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Send delivers a message to a chat. The connection must be open. The sent
// message is cached for retry lookups, persisted, and broadcast like any
// inbound message.
func (s *Session) Send(ctx context.Context, to string, payload SendPayload) (*event.Message, error) {
	sock, err := s.openSocket()
	if err != nil {
		return nil, err
	}

	jid, err := normalizeJID(to)
	if err != nil {
		return nil, err
	}

	msg, err := buildOutbound(ctx, sock, payload)
	if err != nil {
		return nil, err
	}

	resp, err := sock.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	return s.recordOutbound(ctx, jid, resp.ID, resp.Timestamp, msg, event.ParseContent(msg)), nil
}

// React sends a reaction to an existing message. An empty emoji removes a
// previous reaction.
func (s *Session) React(ctx context.Context, to, messageID string, targetFromMe bool, emoji string) error {
	sock, err := s.openSocket()
	if err != nil {
		return err
	}

	jid, err := normalizeJID(to)
	if err != nil {
		return err
	}

	msg := &waE2E.Message{
		ReactionMessage: &waE2E.ReactionMessage{
			Key: &waCommon.MessageKey{
				RemoteJID: proto.String(jid.String()),
				FromMe:    proto.Bool(targetFromMe),
				ID:        proto.String(messageID),
			},
			Text:              proto.String(emoji),
			SenderTimestampMS: proto.Int64(time.Now().UnixMilli()),
		},
	}

	if _, err := sock.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	return nil
}

// SendPoll creates a poll in a chat.
func (s *Session) SendPoll(ctx context.Context, to, name string, options []string, selectableCount int) (*event.Message, error) {
	sock, err := s.openSocket()
	if err != nil {
		return nil, err
	}
	if name == "" || len(options) < 2 {
		return nil, fmt.Errorf("a poll needs a name and at least two options")
	}
	if selectableCount <= 0 {
		selectableCount = 1
	}

	jid, err := normalizeJID(to)
	if err != nil {
		return nil, err
	}

	pollOptions := make([]*waE2E.PollCreationMessage_Option, 0, len(options))
	for _, opt := range options {
		pollOptions = append(pollOptions, &waE2E.PollCreationMessage_Option{
			OptionName: proto.String(opt),
		})
	}

	// Vote payloads are encrypted against this secret.
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate poll secret: %w", err)
	}

	msg := &waE2E.Message{
		PollCreationMessage: &waE2E.PollCreationMessage{
			Name:                   proto.String(name),
			Options:                pollOptions,
			SelectableOptionsCount: proto.Uint32(uint32(selectableCount)),
		},
		MessageContextInfo: &waE2E.MessageContextInfo{
			MessageSecret: secret,
		},
	}

	resp, err := sock.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("send poll: %w", err)
	}

	content := event.Content{Kind: event.KindText, Text: &event.Text{Body: name}}
	return s.recordOutbound(ctx, jid, resp.ID, resp.Timestamp, msg, content), nil
}

// MarkRead marks messages in a chat as read. For group chats the sender of
// the messages must be given, for direct chats it defaults to the chat.
func (s *Session) MarkRead(ctx context.Context, chatJID, senderJID string, messageIDs []string) error {
	sock, err := s.openSocket()
	if err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return fmt.Errorf("at least one message id is required")
	}

	chat, err := normalizeJID(chatJID)
	if err != nil {
		return err
	}
	sender := chat
	if senderJID != "" {
		sender, err = normalizeJID(senderJID)
		if err != nil {
			return err
		}
	}

	ids := make([]types.MessageID, 0, len(messageIDs))
	for _, id := range messageIDs {
		ids = append(ids, types.MessageID(id))
	}

	if err := sock.MarkRead(ctx, ids, time.Now(), chat, sender); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// UpdatePresence sets the account's availability.
func (s *Session) UpdatePresence(ctx context.Context, status string) error {
	sock, err := s.openSocket()
	if err != nil {
		return err
	}

	var presence types.Presence
	switch status {
	case "available", "online":
		presence = types.PresenceAvailable
	case "unavailable", "offline":
		presence = types.PresenceUnavailable
	default:
		return fmt.Errorf("invalid presence %q (must be available or unavailable)", status)
	}

	if err := sock.SendPresence(ctx, presence); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// SendTyping publishes a typing indicator in a chat.
func (s *Session) SendTyping(ctx context.Context, chatJID, state string) error {
	sock, err := s.openSocket()
	if err != nil {
		return err
	}

	chat, err := normalizeJID(chatJID)
	if err != nil {
		return err
	}

	var chatState types.ChatPresence
	media := types.ChatPresenceMediaText
	switch state {
	case "composing":
		chatState = types.ChatPresenceComposing
	case "recording":
		chatState = types.ChatPresenceComposing
		media = types.ChatPresenceMediaAudio
	case "paused":
		chatState = types.ChatPresencePaused
	default:
		return fmt.Errorf("invalid typing state %q (must be composing, recording or paused)", state)
	}

	if err := sock.SendChatPresence(ctx, chat, chatState, media); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

// recordOutbound runs the sent message through the same bookkeeping as an
// inbound one: lookup cache, store, broadcast.
func (s *Session) recordOutbound(ctx context.Context, chat types.JID, id types.MessageID, ts time.Time, msg *waE2E.Message, content event.Content) *event.Message {
	s.deps.messages.Put(chat.String(), string(id), msg)

	out := &event.Message{
		ID:             event.NaturalKey(s.ID, chat.String(), string(id)),
		MessageID:      string(id),
		RemoteJID:      chat.String(),
		FromMe:         true,
		IsGroup:        chat.Server == types.GroupServer,
		Timestamp:      ts,
		DeliveryStatus: "sent",
		Content:        content,
	}

	raw, err := proto.Marshal(msg)
	if err != nil {
		raw = nil
	}
	rec := store.MessageFromEvent(s.ID, out, raw)
	if err := s.deps.store.UpsertMessage(ctx, rec); err != nil {
		s.deps.logger.Warnf("Failed to store sent message %s: %v", out.MessageID, err)
	}
	if err := s.deps.store.TouchChat(ctx, s.ID, out.RemoteJID, out.IsGroup, out.Timestamp); err != nil {
		s.deps.logger.Debugf("Failed to touch chat %s: %v", out.RemoteJID, err)
	}

	s.publish(event.Event{
		Type:         event.TypeMessage,
		ConnectionID: s.ID,
		At:           time.Now(),
		Message:      out,
	})
	return out
}

func buildOutbound(ctx context.Context, sock Socket, payload SendPayload) (*waE2E.Message, error) {
	switch {
	case payload.Media != nil:
		return buildMediaMessage(ctx, sock, payload.Media)

	case payload.Location != nil:
		loc := payload.Location
		return &waE2E.Message{
			LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude:  proto.Float64(loc.Latitude),
				DegreesLongitude: proto.Float64(loc.Longitude),
				Name:             proto.String(loc.Name),
				Address:          proto.String(loc.Address),
			},
		}, nil

	case payload.Text != "":
		if payload.QuotedID != "" {
			return &waE2E.Message{
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{
					Text: proto.String(payload.Text),
					ContextInfo: &waE2E.ContextInfo{
						StanzaID:      proto.String(payload.QuotedID),
						QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
					},
				},
			}, nil
		}
		return &waE2E.Message{Conversation: proto.String(payload.Text)}, nil

	default:
		return nil, fmt.Errorf("empty message payload")
	}
}

func buildMediaMessage(ctx context.Context, sock Socket, media *MediaPayload) (*waE2E.Message, error) {
	if len(media.Data) == 0 {
		return nil, fmt.Errorf("media payload has no data")
	}

	var mediaType whatsmeow.MediaType
	switch media.Type {
	case "image":
		mediaType = whatsmeow.MediaImage
	case "video":
		mediaType = whatsmeow.MediaVideo
	case "audio", "voice":
		mediaType = whatsmeow.MediaAudio
	case "document":
		mediaType = whatsmeow.MediaDocument
	default:
		return nil, fmt.Errorf("invalid media type %q", media.Type)
	}

	uploaded, err := sock.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	switch media.Type {
	case "image":
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
			Caption:       proto.String(media.Caption),
		}}, nil
	case "video":
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
			Caption:       proto.String(media.Caption),
		}}, nil
	case "audio", "voice":
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
			PTT:           proto.Bool(media.Type == "voice"),
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
			FileName:      proto.String(media.FileName),
			Caption:       proto.String(media.Caption),
		}}, nil
	}
}

// normalizeJID accepts a full JID or a bare phone number.
func normalizeJID(input string) (types.JID, error) {
	if strings.Contains(input, "@") {
		jid, err := types.ParseJID(input)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid JID %q: %w", input, err)
		}
		return jid, nil
	}

	phone := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, input)
	if phone == "" {
		return types.JID{}, fmt.Errorf("invalid phone number %q", input)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}
