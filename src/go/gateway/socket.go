package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"
)

// Socket is the per-connection protocol transport. A session owns exactly
// one at a time; a reconnect replaces it with a fresh one bound to the same
// credential store.
type Socket interface {
	AddEventHandler(handler func(evt interface{}))
	SetRetryHandler(fn func(requester, to types.JID, id types.MessageID) *waE2E.Message)
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsLoggedIn() bool
	HasCredentials() bool
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	PairPhone(ctx context.Context, phone string) (string, error)
	SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, data []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID) error
	SendPresence(ctx context.Context, presence types.Presence) error
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	CreateGroup(ctx context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error)
	UpdateGroupParticipants(ctx context.Context, jid types.JID, participants []types.JID, action whatsmeow.ParticipantChange) ([]types.GroupParticipant, error)
	SetGroupName(ctx context.Context, jid types.JID, name string) error
	SetGroupTopic(ctx context.Context, jid types.JID, previousID, newID, topic string) error
	GetGroupInviteLink(ctx context.Context, jid types.JID, reset bool) (string, error)
	JoinGroupWithLink(ctx context.Context, code string) (types.JID, error)
	LeaveGroup(ctx context.Context, jid types.JID) error
	ParseWebMessage(chat types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

// SocketFactory creates sockets bound to a connection's credential store.
// Tests substitute a fake implementation.
type SocketFactory interface {
	NewSocket(ctx context.Context, connectionID string) (Socket, error)
}

// ClientFactory builds sockets backed by the protocol client library, one
// sqlite credential file per connection under authDir.
type ClientFactory struct {
	authDir string
	logger  *logrus.Logger
}

func NewClientFactory(authDir string, logger *logrus.Logger) *ClientFactory {
	return &ClientFactory{authDir: authDir, logger: logger}
}

func (f *ClientFactory) NewSocket(ctx context.Context, connectionID string) (Socket, error) {
	if err := os.MkdirAll(f.authDir, 0755); err != nil {
		return nil, fmt.Errorf("create auth directory: %w", err)
	}

	dbPath := filepath.Join(f.authDir, connectionID+".db")
	dbLog := waLog.Stdout("Auth/"+connectionID, "WARN", false)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_journal_mode=WAL&_busy_timeout=30000", dbLog)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	clientLog := waLog.Stdout("Client/"+connectionID, "WARN", false)
	client := whatsmeow.NewClient(device, clientLog)
	// Reconnects are supervised by the gateway, not the client.
	client.EnableAutoReconnect = false

	return &clientSocket{client: client}, nil
}

type clientSocket struct {
	client *whatsmeow.Client
}

func (s *clientSocket) AddEventHandler(handler func(evt interface{})) {
	s.client.AddEventHandler(handler)
}

func (s *clientSocket) SetRetryHandler(fn func(requester, to types.JID, id types.MessageID) *waE2E.Message) {
	s.client.GetMessageForRetry = fn
}

func (s *clientSocket) Connect() error {
	return s.client.Connect()
}

func (s *clientSocket) Disconnect() {
	s.client.Disconnect()
}

func (s *clientSocket) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *clientSocket) IsLoggedIn() bool {
	return s.client.IsLoggedIn()
}

func (s *clientSocket) HasCredentials() bool {
	return s.client.Store != nil && s.client.Store.ID != nil
}

func (s *clientSocket) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	return s.client.GetQRChannel(ctx)
}

func (s *clientSocket) PairPhone(ctx context.Context, phone string) (string, error) {
	return s.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Windows)")
}

func (s *clientSocket) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error) {
	return s.client.SendMessage(ctx, to, msg)
}

func (s *clientSocket) Upload(ctx context.Context, data []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return s.client.Upload(ctx, data, appInfo)
}

func (s *clientSocket) MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID) error {
	return s.client.MarkRead(ctx, ids, timestamp, chat, sender)
}

func (s *clientSocket) SendPresence(ctx context.Context, presence types.Presence) error {
	return s.client.SendPresence(ctx, presence)
}

func (s *clientSocket) SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error {
	return s.client.SendChatPresence(ctx, jid, state, media)
}

func (s *clientSocket) GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	return s.client.GetGroupInfo(ctx, jid)
}

func (s *clientSocket) CreateGroup(ctx context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error) {
	return s.client.CreateGroup(ctx, req)
}

func (s *clientSocket) UpdateGroupParticipants(ctx context.Context, jid types.JID, participants []types.JID, action whatsmeow.ParticipantChange) ([]types.GroupParticipant, error) {
	return s.client.UpdateGroupParticipants(ctx, jid, participants, action)
}

func (s *clientSocket) SetGroupName(ctx context.Context, jid types.JID, name string) error {
	return s.client.SetGroupName(ctx, jid, name)
}

func (s *clientSocket) SetGroupTopic(ctx context.Context, jid types.JID, previousID, newID, topic string) error {
	return s.client.SetGroupTopic(ctx, jid, previousID, newID, topic)
}

func (s *clientSocket) GetGroupInviteLink(ctx context.Context, jid types.JID, reset bool) (string, error) {
	return s.client.GetGroupInviteLink(ctx, jid, reset)
}

func (s *clientSocket) JoinGroupWithLink(ctx context.Context, code string) (types.JID, error) {
	return s.client.JoinGroupWithLink(ctx, code)
}

func (s *clientSocket) LeaveGroup(ctx context.Context, jid types.JID) error {
	return s.client.LeaveGroup(ctx, jid)
}

func (s *clientSocket) ParseWebMessage(chat types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error) {
	return s.client.ParseWebMessage(chat, webMsg)
}
