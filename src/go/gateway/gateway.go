package gateway

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/types"

	"whatsapp-gateway/src/go/config"
	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/history"
	"whatsapp-gateway/src/go/store"
)

// EventSink receives every domain event the gateway produces. Implemented
// by the realtime hub.
type EventSink interface {
	Publish(evt event.Event)
}

// deps bundles everything a session needs. One instance shared by all
// sessions, built once at gateway construction.
type deps struct {
	cfg        *config.Config
	logger     *logrus.Logger
	factory    SocketFactory
	store      store.Gateway
	sink       EventSink
	normalizer *event.Normalizer
	reconciler *history.Reconciler
	supervisor *Supervisor
	messages   *MessageLookupCache
	groups     *GroupMetadataCache
}

// Gateway is the dependency-injected root object. It owns the registry,
// the caches, the reconnect supervisor and the shared collaborators.
type Gateway struct {
	Registry *Registry

	cfg        *config.Config
	logger     *logrus.Logger
	store      store.Gateway
	supervisor *Supervisor
}

// New wires a gateway from its collaborators. The sink may be bound to the
// realtime hub; the factory decides how sockets are built, which is also
// the test seam.
func New(cfg *config.Config, logger *logrus.Logger, st store.Gateway, sink EventSink, factory SocketFactory) (*Gateway, error) {
	messages, err := NewMessageLookupCache(cfg.Cache.MessageCapacity)
	if err != nil {
		return nil, fmt.Errorf("init caches: %w", err)
	}

	supervisor := NewSupervisor(cfg.Reconnect.Delay(), logger)
	d := &deps{
		cfg:        cfg,
		logger:     logger,
		factory:    factory,
		store:      st,
		sink:       sink,
		normalizer: event.NewNormalizer(logger),
		reconciler: history.NewReconciler(st, logger),
		supervisor: supervisor,
		messages:   messages,
		groups:     NewGroupMetadataCache(cfg.Cache.MessageCapacity, cfg.Cache.GroupTTL()),
	}

	return &Gateway{
		Registry:   newRegistry(d),
		cfg:        cfg,
		logger:     logger,
		store:      st,
		supervisor: supervisor,
	}, nil
}

// CreateConnection starts a session for a new or restarted connection id.
func (g *Gateway) CreateConnection(ctx context.Context, id, displayName, phoneNumber string) (Info, error) {
	session, err := g.Registry.Create(ctx, id, displayName, phoneNumber)
	if err != nil {
		return Info{}, err
	}
	return session.Info(), nil
}

// Connections lists snapshots of all live sessions.
func (g *Gateway) Connections() []Info {
	sessions := g.Registry.List()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Connection returns the snapshot for one id.
func (g *Gateway) Connection(id string) (Info, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return Info{}, err
	}
	return session.Info(), nil
}

// Disconnect logs the connection out and removes it.
func (g *Gateway) Disconnect(ctx context.Context, id string) error {
	return g.Registry.Dispose(ctx, id, true)
}

// RequestPairingCode forwards to the session.
func (g *Gateway) RequestPairingCode(ctx context.Context, id, phoneNumber string) (string, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return "", err
	}
	return session.RequestPairingCode(ctx, phoneNumber)
}

// SendMessage forwards to the session.
func (g *Gateway) SendMessage(ctx context.Context, id, to string, payload SendPayload) (*event.Message, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return session.Send(ctx, to, payload)
}

// React forwards to the session.
func (g *Gateway) React(ctx context.Context, id, to, messageID string, targetFromMe bool, emoji string) error {
	session, err := g.Registry.Get(id)
	if err != nil {
		return err
	}
	return session.React(ctx, to, messageID, targetFromMe, emoji)
}

// SendPoll forwards to the session.
func (g *Gateway) SendPoll(ctx context.Context, id, to, name string, options []string, selectableCount int) (*event.Message, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return session.SendPoll(ctx, to, name, options, selectableCount)
}

// MarkRead forwards to the session.
func (g *Gateway) MarkRead(ctx context.Context, id, chatJID, senderJID string, messageIDs []string) error {
	session, err := g.Registry.Get(id)
	if err != nil {
		return err
	}
	return session.MarkRead(ctx, chatJID, senderJID, messageIDs)
}

// UpdatePresence forwards to the session.
func (g *Gateway) UpdatePresence(ctx context.Context, id, status string) error {
	session, err := g.Registry.Get(id)
	if err != nil {
		return err
	}
	return session.UpdatePresence(ctx, status)
}

// SendTyping forwards to the session.
func (g *Gateway) SendTyping(ctx context.Context, id, chatJID, state string) error {
	session, err := g.Registry.Get(id)
	if err != nil {
		return err
	}
	return session.SendTyping(ctx, chatJID, state)
}

// GroupMetadata forwards to the session.
func (g *Gateway) GroupMetadata(ctx context.Context, id, groupJID string) (*types.GroupInfo, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return session.GroupMetadata(ctx, groupJID)
}

// CreateGroup forwards to the session.
func (g *Gateway) CreateGroup(ctx context.Context, id, name string, participants []string) (*types.GroupInfo, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return session.CreateGroup(ctx, name, participants)
}

// UpdateGroupParticipants forwards to the session.
func (g *Gateway) UpdateGroupParticipants(ctx context.Context, id, groupJID, action string, participants []string) ([]ParticipantResult, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return session.UpdateGroupParticipants(ctx, groupJID, action, participants)
}

// SetGroupName forwards to the session.
func (g *Gateway) SetGroupName(ctx context.Context, id, groupJID, name string) error {
	session, err := g.Registry.Get(id)
	if err != nil {
		return err
	}
	return session.SetGroupName(ctx, groupJID, name)
}

// SetGroupTopic forwards to the session.
func (g *Gateway) SetGroupTopic(ctx context.Context, id, groupJID, topic string) error {
	session, err := g.Registry.Get(id)
	if err != nil {
		return err
	}
	return session.SetGroupTopic(ctx, groupJID, topic)
}

// GroupInviteLink forwards to the session.
func (g *Gateway) GroupInviteLink(ctx context.Context, id, groupJID string, reset bool) (string, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return "", err
	}
	return session.GroupInviteLink(ctx, groupJID, reset)
}

// JoinGroup forwards to the session.
func (g *Gateway) JoinGroup(ctx context.Context, id, code string) (string, error) {
	session, err := g.Registry.Get(id)
	if err != nil {
		return "", err
	}
	return session.JoinGroup(ctx, code)
}

// LeaveGroup forwards to the session.
func (g *Gateway) LeaveGroup(ctx context.Context, id, groupJID string) error {
	session, err := g.Registry.Get(id)
	if err != nil {
		return err
	}
	return session.LeaveGroup(ctx, groupJID)
}

// Chats lists stored chats for a connection.
func (g *Gateway) Chats(ctx context.Context, id string) ([]store.Chat, error) {
	if _, err := g.Registry.Get(id); err != nil {
		return nil, err
	}
	return g.store.Chats(ctx, id)
}

// Contacts lists stored contacts for a connection.
func (g *Gateway) Contacts(ctx context.Context, id string) ([]store.Contact, error) {
	if _, err := g.Registry.Get(id); err != nil {
		return nil, err
	}
	return g.store.Contacts(ctx, id)
}

// Messages lists stored messages for a chat, newest first.
func (g *Gateway) Messages(ctx context.Context, id, chatJID string, limit int) ([]store.Message, error) {
	if _, err := g.Registry.Get(id); err != nil {
		return nil, err
	}
	return g.store.Messages(ctx, id, chatJID, limit)
}

// Shutdown disposes every session without logging out, so credentials
// survive a restart, and cancels all pending reconnects.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.logger.Info("Shutting down gateway...")
	g.Registry.DisposeAll(ctx)
	g.supervisor.CancelAll()
}
