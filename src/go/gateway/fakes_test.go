package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"whatsapp-gateway/src/go/config"
	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/history"
	"whatsapp-gateway/src/go/store"
)

// fakeSocket records calls and lets tests push raw events into the session.
type fakeSocket struct {
	mu             sync.Mutex
	handler        func(evt interface{})
	retry          func(requester, to types.JID, id types.MessageID) *waE2E.Message
	hasCreds       bool
	connected      bool
	disconnects    int
	loggedOut      bool
	sent           []sentMessage
	chatPresences  []chatPresenceCall
	createdGroups  []whatsmeow.ReqCreateGroup
	participantOps []participantOp
	groupNames     []string
	groupTopics    []string
	inviteResets   []bool
	joinedCodes    []string
	leftGroups     []types.JID
	qr             chan whatsmeow.QRChannelItem
	pairHold       chan struct{}
	connectErr     error
}

type sentMessage struct {
	to  types.JID
	msg *waE2E.Message
}

type chatPresenceCall struct {
	jid   types.JID
	state types.ChatPresence
	media types.ChatPresenceMedia
}

type participantOp struct {
	jid          types.JID
	participants []types.JID
	action       whatsmeow.ParticipantChange
}

func newFakeSocket(hasCreds bool) *fakeSocket {
	return &fakeSocket{
		hasCreds: hasCreds,
		qr:       make(chan whatsmeow.QRChannelItem, 4),
		pairHold: make(chan struct{}),
	}
}

// emit feeds a raw event through the registered handler like the protocol
// library would.
func (f *fakeSocket) emit(evt interface{}) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) AddEventHandler(handler func(evt interface{})) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeSocket) SetRetryHandler(fn func(requester, to types.JID, id types.MessageID) *waE2E.Message) {
	f.mu.Lock()
	f.retry = fn
	f.mu.Unlock()
}

func (f *fakeSocket) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSocket) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeSocket) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.loggedOut = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && f.hasCreds
}

func (f *fakeSocket) HasCredentials() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasCreds
}

func (f *fakeSocket) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	return f.qr, nil
}

func (f *fakeSocket) PairPhone(ctx context.Context, phone string) (string, error) {
	<-f.pairHold
	return "ABCD-1234", nil
}

func (f *fakeSocket) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	n := len(f.sent)
	f.mu.Unlock()
	return whatsmeow.SendResponse{
		ID:        types.MessageID(fmt.Sprintf("SENT%d", n)),
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeSocket) Upload(ctx context.Context, data []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return whatsmeow.UploadResponse{
		URL:        "https://media.example/upload",
		DirectPath: "/upload",
		FileLength: uint64(len(data)),
	}, nil
}

func (f *fakeSocket) MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID) error {
	return nil
}

func (f *fakeSocket) SendPresence(ctx context.Context, presence types.Presence) error {
	return nil
}

func (f *fakeSocket) SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error {
	f.mu.Lock()
	f.chatPresences = append(f.chatPresences, chatPresenceCall{jid: jid, state: state, media: media})
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) chatPresenceCalls() []chatPresenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatPresenceCall(nil), f.chatPresences...)
}

func (f *fakeSocket) GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	info := &types.GroupInfo{JID: jid}
	info.Name = "Test Group"
	return info, nil
}

func (f *fakeSocket) CreateGroup(ctx context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error) {
	f.mu.Lock()
	f.createdGroups = append(f.createdGroups, req)
	f.mu.Unlock()
	info := &types.GroupInfo{JID: types.NewJID("12036300000000", types.GroupServer)}
	info.Name = req.Name
	return info, nil
}

func (f *fakeSocket) UpdateGroupParticipants(ctx context.Context, jid types.JID, participants []types.JID, action whatsmeow.ParticipantChange) ([]types.GroupParticipant, error) {
	f.mu.Lock()
	f.participantOps = append(f.participantOps, participantOp{jid: jid, participants: participants, action: action})
	f.mu.Unlock()
	results := make([]types.GroupParticipant, 0, len(participants))
	for _, p := range participants {
		results = append(results, types.GroupParticipant{JID: p})
	}
	return results, nil
}

func (f *fakeSocket) SetGroupName(ctx context.Context, jid types.JID, name string) error {
	f.mu.Lock()
	f.groupNames = append(f.groupNames, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) SetGroupTopic(ctx context.Context, jid types.JID, previousID, newID, topic string) error {
	f.mu.Lock()
	f.groupTopics = append(f.groupTopics, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) GetGroupInviteLink(ctx context.Context, jid types.JID, reset bool) (string, error) {
	f.mu.Lock()
	f.inviteResets = append(f.inviteResets, reset)
	f.mu.Unlock()
	return "https://chat.whatsapp.com/INVITE123", nil
}

func (f *fakeSocket) JoinGroupWithLink(ctx context.Context, code string) (types.JID, error) {
	f.mu.Lock()
	f.joinedCodes = append(f.joinedCodes, code)
	f.mu.Unlock()
	return types.NewJID("12036300000001", types.GroupServer), nil
}

func (f *fakeSocket) LeaveGroup(ctx context.Context, jid types.JID) error {
	f.mu.Lock()
	f.leftGroups = append(f.leftGroups, jid)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) ParseWebMessage(chat types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error) {
	parsed := &events.Message{Message: webMsg.GetMessage()}
	parsed.Info.ID = webMsg.GetKey().GetID()
	parsed.Info.Chat = chat
	parsed.Info.IsFromMe = webMsg.GetKey().GetFromMe()
	parsed.Info.Timestamp = time.Unix(int64(webMsg.GetMessageTimestamp()), 0)
	return parsed, nil
}

// fakeFactory hands out pre-built sockets in order.
type fakeFactory struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	created int
	delay   time.Duration
}

func (f *fakeFactory) NewSocket(ctx context.Context, connectionID string) (Socket, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created >= len(f.sockets) {
		return nil, fmt.Errorf("no socket available for %s", connectionID)
	}
	sock := f.sockets[f.created]
	f.created++
	return sock, nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// fakeStore is an in-memory store.Gateway.
type fakeStore struct {
	mu       sync.Mutex
	chats    map[string]store.Chat
	contacts map[string]store.Contact
	messages map[string]store.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[string]store.Chat),
		contacts: make(map[string]store.Contact),
		messages: make(map[string]store.Message),
	}
}

func chatKey(connectionID, chatJID string) string { return connectionID + "|" + chatJID }
func msgKey(connectionID, chatJID, messageID string) string {
	return connectionID + "|" + chatJID + "|" + messageID
}

func (s *fakeStore) UpsertChat(ctx context.Context, chat store.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatKey(chat.ConnectionID, chat.ChatJID)] = chat
	return nil
}

func (s *fakeStore) TouchChat(ctx context.Context, connectionID, chatJID string, isGroup bool, lastMessageAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chatKey(connectionID, chatJID)
	chat := s.chats[key]
	chat.ConnectionID = connectionID
	chat.ChatJID = chatJID
	chat.IsGroup = isGroup
	if lastMessageAt.After(chat.LastMessageAt) {
		chat.LastMessageAt = lastMessageAt
	}
	s.chats[key] = chat
	return nil
}

func (s *fakeStore) UpsertContact(ctx context.Context, contact store.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[chatKey(contact.ConnectionID, contact.JID)] = contact
	return nil
}

func (s *fakeStore) UpsertMessage(ctx context.Context, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msgKey(msg.ConnectionID, msg.ChatJID, msg.MessageID)] = msg
	return nil
}

func (s *fakeStore) Chats(ctx context.Context, connectionID string) ([]store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Chat
	for _, c := range s.chats {
		if c.ConnectionID == connectionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) Contacts(ctx context.Context, connectionID string) ([]store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Contact
	for _, c := range s.contacts {
		if c.ConnectionID == connectionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) Messages(ctx context.Context, connectionID, chatJID string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.ConnectionID == connectionID && m.ChatJID == chatJID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) MessageRaw(ctx context.Context, connectionID, chatJID, messageID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[msgKey(connectionID, chatJID, messageID)]; ok {
		return m.Raw, nil
	}
	return nil, nil
}

func (s *fakeStore) UpdateDeliveryStatus(ctx context.Context, connectionID, chatJID string, messageIDs []string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if m, ok := s.messages[msgKey(connectionID, chatJID, id)]; ok {
			m.DeliveryStatus = status
			s.messages[msgKey(connectionID, chatJID, id)] = m
		}
	}
	return nil
}

func (s *fakeStore) DeleteChat(ctx context.Context, connectionID, chatJID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatKey(connectionID, chatJID))
	for key, m := range s.messages {
		if m.ConnectionID == connectionID && m.ChatJID == chatJID {
			delete(s.messages, key)
		}
	}
	return nil
}

func (s *fakeStore) DeleteMessage(ctx context.Context, connectionID, chatJID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, msgKey(connectionID, chatJID, messageID))
	return nil
}

func (s *fakeStore) CountChats(ctx context.Context, connectionID string) (int, error) {
	chats, _ := s.Chats(ctx, connectionID)
	return len(chats), nil
}

func (s *fakeStore) CountContacts(ctx context.Context, connectionID string) (int, error) {
	contacts, _ := s.Contacts(ctx, connectionID)
	return len(contacts), nil
}

func (s *fakeStore) CountMessages(ctx context.Context, connectionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ConnectionID == connectionID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) message(connectionID, chatJID, messageID string) (store.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgKey(connectionID, chatJID, messageID)]
	return m, ok
}

func storeMessage(connectionID, chatJID, messageID string, raw []byte) store.Message {
	return store.Message{
		ConnectionID: connectionID,
		ChatJID:      chatJID,
		MessageID:    messageID,
		Kind:         "text",
		Timestamp:    time.Now(),
		Raw:          raw,
	}
}

// fakeSink collects published events.
type fakeSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *fakeSink) Publish(evt event.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *fakeSink) byType(t event.Type) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestDeps(factory SocketFactory, st store.Gateway, sink EventSink, reconnectDelay time.Duration) *deps {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	messages, err := NewMessageLookupCache(16)
	if err != nil {
		panic(err)
	}

	return &deps{
		cfg: &config.Config{
			Cache:     config.CacheConfig{MessageCapacity: 16, GroupTTLMinutes: 1},
			Reconnect: config.ReconnectConfig{DelaySeconds: 1},
		},
		logger:     logger,
		factory:    factory,
		store:      st,
		sink:       sink,
		normalizer: event.NewNormalizer(logger),
		reconciler: history.NewReconciler(st, logger),
		supervisor: NewSupervisor(reconnectDelay, logger),
		messages:   messages,
		groups:     NewGroupMetadataCache(16, time.Minute),
	}
}
