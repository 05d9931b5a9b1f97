package history

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/store"
)

// WebMessageParser decodes a raw history message into the live message
// shape. Satisfied by the session's socket.
type WebMessageParser interface {
	ParseWebMessage(chat types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

// Reconciler applies history sync batches to the store. Upserts are keyed
// by natural key, so replaying a batch is a no-op.
type Reconciler struct {
	store  store.Gateway
	logger *logrus.Logger
}

func NewReconciler(st store.Gateway, logger *logrus.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger}
}

// ProcessHistorySync walks the batch in three passes: chats, then contacts,
// then messages. A record that fails to parse or persist is logged and
// skipped; it never aborts the batch. The returned summary is emitted only
// after every write has completed.
func (r *Reconciler) ProcessHistorySync(ctx context.Context, connectionID string, data *waHistorySync.HistorySync, parser WebMessageParser) event.HistorySync {
	summary := event.HistorySync{SyncType: data.GetSyncType().String()}
	conversations := data.GetConversations()
	r.logger.Infof("Processing history sync for %s: %d conversations (%s)",
		connectionID, len(conversations), summary.SyncType)

	for _, conv := range conversations {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			r.logger.Warnf("Invalid chat JID in history: %s", conv.GetID())
			summary.Skipped++
			continue
		}

		chat := store.Chat{
			ConnectionID: connectionID,
			ChatJID:      chatJID.String(),
			Name:         conv.GetName(),
			IsGroup:      chatJID.Server == types.GroupServer,
			UnreadCount:  int(conv.GetUnreadCount()),
			Archived:     conv.GetArchived(),
		}
		if ts := conv.GetConversationTimestamp(); ts > 0 {
			chat.LastMessageAt = time.Unix(int64(ts), 0)
		}
		if err := r.store.UpsertChat(ctx, chat); err != nil {
			r.logger.Warnf("Failed to store chat %s: %v", chat.ChatJID, err)
			summary.Skipped++
			continue
		}
		summary.Chats++
	}

	for _, pn := range data.GetPushnames() {
		if pn.GetID() == "" {
			summary.Skipped++
			continue
		}
		contact := store.Contact{
			ConnectionID: connectionID,
			JID:          pn.GetID(),
			PushName:     pn.GetPushname(),
		}
		if err := r.store.UpsertContact(ctx, contact); err != nil {
			r.logger.Warnf("Failed to store contact %s: %v", contact.JID, err)
			summary.Skipped++
			continue
		}
		summary.Contacts++
	}

	for _, conv := range conversations {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}

		for _, historyMsg := range conv.GetMessages() {
			webMsg := historyMsg.GetMessage()
			if webMsg == nil {
				continue
			}

			parsed, err := parser.ParseWebMessage(chatJID, webMsg)
			if err != nil {
				r.logger.Debugf("Failed to parse history message in %s: %v", chatJID, err)
				summary.Skipped++
				continue
			}
			if parsed.Message == nil {
				continue
			}

			content := event.ParseContent(parsed.Message)
			raw, err := proto.Marshal(parsed.Message)
			if err != nil {
				raw = nil
			}

			rec := store.MessageFromEvent(connectionID, &event.Message{
				MessageID:  parsed.Info.ID,
				RemoteJID:  chatJID.String(),
				Sender:     parsed.Info.Sender.String(),
				SenderName: parsed.Info.PushName,
				FromMe:     parsed.Info.IsFromMe,
				IsGroup:    parsed.Info.IsGroup,
				Timestamp:  parsed.Info.Timestamp,
				Content:    content,
			}, raw)
			if err := r.store.UpsertMessage(ctx, rec); err != nil {
				r.logger.Debugf("Failed to store history message %s: %v", rec.MessageID, err)
				summary.Skipped++
				continue
			}
			summary.Messages++
		}
	}

	r.logger.Infof("History sync complete for %s: %d chats, %d contacts, %d messages, %d skipped",
		connectionID, summary.Chats, summary.Contacts, summary.Messages, summary.Skipped)
	return summary
}
