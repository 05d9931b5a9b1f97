package realtime

import (
	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/gateway"
)

// Command actions accepted over the realtime channel.
const (
	ActionJoin           = "join"
	ActionLeave          = "leave"
	ActionSendMessage    = "send_message"
	ActionMarkRead       = "mark_read"
	ActionUpdatePresence = "update_presence"
	ActionSendTyping     = "send_typing"
)

// Command is one inbound client frame. ConnectionID selects the room or
// session the command applies to; RequestID is echoed on the ack.
type Command struct {
	Action       string `json:"action"`
	RequestID    string `json:"request_id,omitempty"`
	ConnectionID string `json:"connection_id"`

	To         string               `json:"to,omitempty"`
	Payload    *gateway.SendPayload `json:"payload,omitempty"`
	ChatJID    string               `json:"chat_jid,omitempty"`
	SenderJID  string               `json:"sender_jid,omitempty"`
	MessageIDs []string             `json:"message_ids,omitempty"`
	Status     string               `json:"status,omitempty"`
	State      string               `json:"state,omitempty"`
}

// Ack is the response to a command, delivered only to the requester.
type Ack struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Action    string         `json:"action"`
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	Message   *event.Message `json:"message,omitempty"`
}
