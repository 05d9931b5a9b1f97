package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// UnsupportedPlaceholder is the text body substituted for message kinds the
// normalizer does not recognize. Unknown kinds never fail a batch.
const UnsupportedPlaceholder = "[unsupported message]"

// NaturalKey builds the stable message identity used across the store,
// the lookup cache and the realtime channel.
func NaturalKey(connectionID, remoteJID, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", connectionID, remoteJID, messageID)
}

// Normalizer converts the protocol library's raw event union into the
// closed set of domain events. It never returns an error: events it cannot
// interpret are skipped (logged at debug) and malformed messages degrade to
// a text placeholder.
type Normalizer struct {
	logger *logrus.Logger
}

func NewNormalizer(logger *logrus.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize maps one raw protocol event to zero or more domain events.
// Connection lifecycle and history-sync events are owned by the session and
// yield nothing here.
func (n *Normalizer) Normalize(connectionID string, raw interface{}) []Event {
	switch e := raw.(type) {
	case *events.Message:
		return n.normalizeMessage(connectionID, e)

	case *events.Receipt:
		ids := make([]string, 0, len(e.MessageIDs))
		for _, id := range e.MessageIDs {
			ids = append(ids, string(id))
		}
		return []Event{{
			Type:         TypeReceipt,
			ConnectionID: connectionID,
			At:           time.Now(),
			Receipt: &Receipt{
				RemoteJID:  e.Chat.String(),
				Sender:     e.Sender.String(),
				MessageIDs: ids,
				Status:     receiptStatus(e.Type),
				Timestamp:  e.Timestamp,
			},
		}}

	case *events.Presence:
		status := "available"
		if e.Unavailable {
			status = "unavailable"
		}
		return []Event{{
			Type:         TypePresence,
			ConnectionID: connectionID,
			At:           time.Now(),
			Presence: &Presence{
				JID:      e.From.String(),
				Status:   status,
				LastSeen: e.LastSeen,
			},
		}}

	case *events.ChatPresence:
		return []Event{{
			Type:         TypePresence,
			ConnectionID: connectionID,
			At:           time.Now(),
			Presence: &Presence{
				JID:     e.Sender.String(),
				ChatJID: e.Chat.String(),
				Status:  chatPresenceStatus(e),
			},
		}}

	case *events.Contact:
		c := &Contact{JID: e.JID.String()}
		if e.Action != nil {
			c.FullName = e.Action.GetFullName()
		}
		return []Event{{
			Type:         TypeContactUpsert,
			ConnectionID: connectionID,
			At:           time.Now(),
			Contact:      c,
		}}

	case *events.PushName:
		return []Event{{
			Type:         TypeContactUpsert,
			ConnectionID: connectionID,
			At:           time.Now(),
			Contact: &Contact{
				JID:      e.JID.String(),
				PushName: e.NewPushName,
			},
		}}

	case *events.BusinessName:
		return []Event{{
			Type:         TypeContactUpsert,
			ConnectionID: connectionID,
			At:           time.Now(),
			Contact: &Contact{
				JID:          e.JID.String(),
				BusinessName: e.NewBusinessName,
			},
		}}

	case *events.GroupInfo:
		g := &Group{GroupJID: e.JID.String()}
		if e.Name != nil {
			g.Name = e.Name.Name
		}
		if e.Topic != nil {
			g.Topic = e.Topic.Topic
		}
		return []Event{{
			Type:         TypeGroupUpdate,
			ConnectionID: connectionID,
			At:           time.Now(),
			Group:        g,
		}}

	case *events.JoinedGroup:
		return []Event{{
			Type:         TypeGroupUpdate,
			ConnectionID: connectionID,
			At:           time.Now(),
			Group: &Group{
				GroupJID: e.JID.String(),
				Name:     e.Name,
				Topic:    e.Topic,
			},
		}}

	case *events.Archive:
		return []Event{{
			Type:         TypeChatUpsert,
			ConnectionID: connectionID,
			At:           time.Now(),
			Chat: &Chat{
				ChatJID:  e.JID.String(),
				IsGroup:  e.JID.Server == types.GroupServer,
				Archived: e.Action.GetArchived(),
			},
		}}

	case *events.DeleteChat:
		return []Event{{
			Type:         TypeChatDelete,
			ConnectionID: connectionID,
			At:           time.Now(),
			Chat:         &Chat{ChatJID: e.JID.String()},
		}}

	case *events.DeleteForMe:
		return []Event{{
			Type:         TypeMessageDelete,
			ConnectionID: connectionID,
			At:           time.Now(),
			Delete: &Delete{
				MessageID: string(e.MessageID),
				RemoteJID: e.ChatJID.String(),
				ForMe:     true,
			},
		}}

	case *events.CallOffer:
		return []Event{{
			Type:         TypeCall,
			ConnectionID: connectionID,
			At:           time.Now(),
			Call: &Call{
				CallID: e.CallID,
				From:   e.From.String(),
				Status: "offer",
				At:     e.Timestamp,
			},
		}}

	case *events.CallAccept:
		return []Event{{
			Type:         TypeCall,
			ConnectionID: connectionID,
			At:           time.Now(),
			Call: &Call{
				CallID: e.CallID,
				From:   e.From.String(),
				Status: "accept",
				At:     e.Timestamp,
			},
		}}

	case *events.CallTerminate:
		return []Event{{
			Type:         TypeCall,
			ConnectionID: connectionID,
			At:           time.Now(),
			Call: &Call{
				CallID: e.CallID,
				From:   e.From.String(),
				Status: "terminate",
				At:     e.Timestamp,
			},
		}}

	default:
		n.logger.Debugf("Unhandled raw event type: %T", raw)
		return nil
	}
}

// normalizeMessage turns a messages-upsert into a message, reaction, edit or
// delete event depending on the payload.
func (n *Normalizer) normalizeMessage(connectionID string, e *events.Message) []Event {
	msg := e.Message
	if msg == nil {
		return nil
	}

	chat := e.Info.Chat.String()

	// Reactions ride in as regular messages referencing the target key.
	if r := msg.GetReactionMessage(); r != nil {
		return []Event{{
			Type:         TypeReaction,
			ConnectionID: connectionID,
			At:           time.Now(),
			Reaction: &Reaction{
				MessageID: r.GetKey().GetID(),
				RemoteJID: chat,
				Sender:    e.Info.Sender.String(),
				Emoji:     r.GetText(),
			},
		}}
	}

	// Protocol messages carry revokes and edits.
	if p := msg.GetProtocolMessage(); p != nil {
		switch p.GetType() {
		case waE2E.ProtocolMessage_REVOKE:
			return []Event{{
				Type:         TypeMessageDelete,
				ConnectionID: connectionID,
				At:           time.Now(),
				Delete: &Delete{
					MessageID: p.GetKey().GetID(),
					RemoteJID: chat,
				},
			}}
		case waE2E.ProtocolMessage_MESSAGE_EDIT:
			return []Event{{
				Type:         TypeMessageUpdate,
				ConnectionID: connectionID,
				At:           time.Now(),
				Update: &Update{
					MessageID: p.GetKey().GetID(),
					RemoteJID: chat,
					Edited:    ParseContent(p.GetEditedMessage()),
				},
			}}
		default:
			n.logger.Debugf("Skipping protocol message type %v in %s", p.GetType(), chat)
			return nil
		}
	}

	return []Event{{
		Type:         TypeMessage,
		ConnectionID: connectionID,
		At:           time.Now(),
		Message: &Message{
			ID:              NaturalKey(connectionID, chat, e.Info.ID),
			MessageID:       e.Info.ID,
			RemoteJID:       chat,
			Sender:          e.Info.Sender.String(),
			SenderName:      e.Info.PushName,
			FromMe:          e.Info.IsFromMe,
			IsGroup:         e.Info.IsGroup,
			Timestamp:       e.Info.Timestamp,
			QuotedMessageID: quotedID(msg),
			Content:         ParseContent(msg),
		},
	}}
}

// ParseContent is a total function over message kinds: every input yields a
// usable Content, unknown kinds become a text placeholder.
func ParseContent(msg *waE2E.Message) Content {
	if msg == nil {
		return placeholder()
	}

	switch {
	case msg.GetConversation() != "":
		return Content{Kind: KindText, Text: &Text{Body: msg.GetConversation()}}

	case msg.ExtendedTextMessage != nil:
		ext := msg.ExtendedTextMessage
		return Content{Kind: KindText, Text: &Text{
			Body:       ext.GetText(),
			IsExtended: true,
			QuotedID:   ext.GetContextInfo().GetStanzaID(),
		}}

	case msg.ImageMessage != nil:
		m := msg.ImageMessage
		return Content{Kind: KindMedia, Media: &Media{
			MediaType: "image",
			MimeType:  m.GetMimetype(),
			Caption:   m.GetCaption(),
			Size:      m.GetFileLength(),
			Thumbnail: m.GetJPEGThumbnail(),
		}}

	case msg.VideoMessage != nil:
		m := msg.VideoMessage
		return Content{Kind: KindMedia, Media: &Media{
			MediaType: "video",
			MimeType:  m.GetMimetype(),
			Caption:   m.GetCaption(),
			Seconds:   m.GetSeconds(),
			Size:      m.GetFileLength(),
			Thumbnail: m.GetJPEGThumbnail(),
		}}

	case msg.AudioMessage != nil:
		m := msg.AudioMessage
		mediaType := "audio"
		if m.GetPTT() {
			mediaType = "voice"
		}
		return Content{Kind: KindMedia, Media: &Media{
			MediaType: mediaType,
			MimeType:  m.GetMimetype(),
			Seconds:   m.GetSeconds(),
			Size:      m.GetFileLength(),
		}}

	case msg.DocumentMessage != nil:
		m := msg.DocumentMessage
		return Content{Kind: KindMedia, Media: &Media{
			MediaType: "document",
			MimeType:  m.GetMimetype(),
			FileName:  m.GetFileName(),
			Caption:   m.GetCaption(),
			Size:      m.GetFileLength(),
		}}

	case msg.StickerMessage != nil:
		m := msg.StickerMessage
		return Content{Kind: KindMedia, Media: &Media{
			MediaType: "sticker",
			MimeType:  m.GetMimetype(),
			Size:      m.GetFileLength(),
		}}

	case msg.LocationMessage != nil:
		m := msg.LocationMessage
		return Content{Kind: KindLocation, Location: &Location{
			Latitude:  m.GetDegreesLatitude(),
			Longitude: m.GetDegreesLongitude(),
			Name:      m.GetName(),
			Address:   m.GetAddress(),
		}}

	case msg.ContactMessage != nil:
		m := msg.ContactMessage
		return Content{Kind: KindContact, Contact: &ContactCard{
			Name:   m.GetDisplayName(),
			Number: vcardNumber(m.GetVcard()),
			VCard:  m.GetVcard(),
		}}

	case msg.GroupInviteMessage != nil:
		m := msg.GroupInviteMessage
		return Content{Kind: KindGroupInvite, GroupInvite: &GroupInvite{
			GroupName:  m.GetGroupName(),
			GroupJID:   m.GetGroupJID(),
			InviteCode: m.GetInviteCode(),
			ExpiresAt:  m.GetInviteExpiration(),
		}}

	default:
		return placeholder()
	}
}

func placeholder() Content {
	return Content{Kind: KindText, Text: &Text{Body: UnsupportedPlaceholder}}
}

// vcardNumber extracts the first TEL value from a vcard payload. Parameters
// between TEL and the value (type, waid) are ignored.
func vcardNumber(vcard string) string {
	for _, line := range strings.Split(vcard, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "TEL") {
			continue
		}
		if i := strings.Index(line, ":"); i >= 0 {
			return strings.TrimSpace(line[i+1:])
		}
	}
	return ""
}

func quotedID(msg *waE2E.Message) string {
	if ext := msg.ExtendedTextMessage; ext != nil {
		if ci := ext.GetContextInfo(); ci.GetQuotedMessage() != nil {
			return ci.GetStanzaID()
		}
	}
	return ""
}

func receiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return "read"
	case types.ReceiptTypePlayed:
		return "played"
	default:
		return "delivered"
	}
}

func chatPresenceStatus(e *events.ChatPresence) string {
	if e.State == types.ChatPresenceComposing {
		if e.Media == types.ChatPresenceMediaAudio {
			return "recording"
		}
		return "composing"
	}
	return "paused"
}
