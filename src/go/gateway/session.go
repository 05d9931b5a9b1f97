package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/store"
)

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	State       State  `json:"state"`
	QRCode      string `json:"qr_code,omitempty"`
	QRPNG       string `json:"qr_png,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
	CloseReason string `json:"close_reason,omitempty"`
}

// Session manages one account connection: exactly one socket at a time,
// a state machine gating every lifecycle change, and a single goroutine
// processing raw events in arrival order.
type Session struct {
	ID          string
	displayName string
	phoneNumber string

	deps *deps

	mu              sync.Mutex
	state           State
	qrCode          string
	qrPNG           string
	pairingCode     string
	pairingInFlight bool
	closeReason     string
	socket          Socket
	disposed        bool

	events chan interface{}
	done   chan struct{}
}

func newSession(id, displayName, phoneNumber string, d *deps) *Session {
	s := &Session{
		ID:          id,
		displayName: displayName,
		phoneNumber: phoneNumber,
		deps:        d,
		state:       StateConnecting,
		events:      make(chan interface{}, 256),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Info returns a consistent snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.ID,
		DisplayName: s.displayName,
		PhoneNumber: s.phoneNumber,
		State:       s.state,
		QRCode:      s.qrCode,
		QRPNG:       s.qrPNG,
		PairingCode: s.pairingCode,
		CloseReason: s.closeReason,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) run() {
	for {
		select {
		case raw := <-s.events:
			s.handleRaw(raw)
		case <-s.done:
			return
		}
	}
}

func (s *Session) enqueueRaw(evt interface{}) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Session) publish(evt event.Event) {
	if s.deps.sink != nil {
		s.deps.sink.Publish(evt)
	}
}

// transition moves the state machine along a legal edge, clearing pairing
// material on entering open or closed states, and emits a state event.
func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return &ErrIllegalTransition{From: from, To: to}
	}
	s.state = to
	if to == StateOpen || to.IsClosed() {
		s.qrCode = ""
		s.qrPNG = ""
		s.pairingCode = ""
		s.pairingInFlight = false
	}
	if to.IsClosed() {
		s.closeReason = reason
	}
	s.mu.Unlock()

	s.deps.logger.Infof("Connection %s: %s -> %s", s.ID, from, to)
	s.publish(event.Event{
		Type:         event.TypeConnectionState,
		ConnectionID: s.ID,
		At:           time.Now(),
		Connection:   &event.Connection{State: string(to), Reason: reason},
	})
	return nil
}

// connect creates a fresh socket and starts the protocol handshake. The
// caller is responsible for having moved the state to connecting.
func (s *Session) connect(ctx context.Context) error {
	sock, err := s.deps.factory.NewSocket(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		sock.Disconnect()
		return fmt.Errorf("connection %s is disposed", s.ID)
	}
	s.socket = sock
	s.mu.Unlock()

	sock.SetRetryHandler(s.messageForRetry)
	sock.AddEventHandler(s.enqueueRaw)

	if !sock.HasCredentials() {
		qrChan, err := sock.GetQRChannel(ctx)
		if err != nil {
			s.deps.logger.Warnf("QR channel unavailable for %s: %v", s.ID, err)
		} else {
			go s.consumeQR(qrChan)
		}
	}

	if err := sock.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Session) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			s.setQR(item.Code)
		case "success":
			// The connected event carries the transition to open.
		case "timeout":
			s.handleClose("qr_timeout", false)
			return
		default:
			s.deps.logger.Debugf("QR channel event for %s: %s", s.ID, item.Event)
		}
	}
}

func (s *Session) setQR(code string) {
	png := ""
	if img, err := qrcode.Encode(code, qrcode.Medium, 256); err == nil {
		png = base64.StdEncoding.EncodeToString(img)
	} else {
		s.deps.logger.Warnf("Failed to render QR for %s: %v", s.ID, err)
	}

	if err := s.transition(StateQRReady, ""); err != nil {
		s.deps.logger.Debugf("Dropping QR for %s: %v", s.ID, err)
		return
	}

	s.mu.Lock()
	s.qrCode = code
	s.qrPNG = png
	s.mu.Unlock()

	s.publish(event.Event{
		Type:         event.TypeQRIssued,
		ConnectionID: s.ID,
		At:           time.Now(),
		QR:           &event.QR{Code: code, PNG: png},
	})
}

// RequestPairingCode asks the server for a phone pairing code as an
// alternative to QR scanning. At most one request may be in flight.
func (s *Session) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	s.mu.Lock()
	if s.state == StateClosedLoggedOut {
		s.mu.Unlock()
		return "", ErrLoggedOut
	}
	if s.pairingInFlight {
		s.mu.Unlock()
		return "", ErrPairingAlreadyRequested
	}
	if s.state != StateConnecting && s.state != StateQRReady {
		state := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("cannot request pairing code in state %s", state)
	}
	sock := s.socket
	prev := s.state
	s.pairingInFlight = true
	s.mu.Unlock()

	if sock == nil {
		s.clearPairing()
		return "", ErrConnectionNotOpen
	}
	if err := s.transition(StatePairingRequested, ""); err != nil {
		s.clearPairing()
		return "", err
	}

	code, err := sock.PairPhone(ctx, phoneNumber)
	if err != nil {
		s.clearPairing()
		if prev == StateQRReady {
			_ = s.transition(StateQRReady, "")
		}
		return "", fmt.Errorf("request pairing code: %w", err)
	}

	s.mu.Lock()
	s.pairingCode = code
	s.mu.Unlock()

	s.publish(event.Event{
		Type:         event.TypePairingCode,
		ConnectionID: s.ID,
		At:           time.Now(),
		Pairing:      &event.Pairing{Code: code, PhoneNumber: phoneNumber},
	})
	return code, nil
}

func (s *Session) clearPairing() {
	s.mu.Lock()
	s.pairingInFlight = false
	s.mu.Unlock()
}

// handleRaw processes one raw protocol event on the session goroutine.
func (s *Session) handleRaw(raw interface{}) {
	ctx := context.Background()

	switch v := raw.(type) {
	case *events.Connected:
		if err := s.transition(StateOpen, ""); err != nil {
			s.deps.logger.Warnf("Unexpected connected event for %s: %v", s.ID, err)
		}

	case *events.PairSuccess:
		s.deps.logger.Infof("Pairing succeeded for %s (%s)", s.ID, v.ID)

	case *events.LoggedOut:
		s.handleClose("logged_out:"+v.Reason.String(), true)

	case *events.ClientOutdated:
		s.handleClose("client_outdated", true)

	case *events.Disconnected:
		s.handleClose("disconnected", false)

	case *events.StreamError:
		s.handleClose("stream_error", false)

	case *events.KeepAliveTimeout:
		s.handleClose("keepalive_timeout", false)

	case *events.ConnectFailure:
		s.handleClose("connect_failure:"+v.Reason.String(), false)

	case *events.TemporaryBan:
		s.handleClose("temporary_ban:"+v.Code.String(), false)

	case *events.HistorySync:
		s.handleHistorySync(ctx, v)

	case *events.Message:
		s.handleMessage(ctx, v)

	default:
		for _, evt := range s.deps.normalizer.Normalize(s.ID, raw) {
			s.routeEvent(ctx, evt)
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, v *events.Message) {
	if v.Message != nil {
		s.deps.messages.Put(v.Info.Chat.String(), v.Info.ID, v.Message)
	}

	for _, evt := range s.deps.normalizer.Normalize(s.ID, v) {
		if evt.Type == event.TypeMessage {
			raw, err := proto.Marshal(v.Message)
			if err != nil {
				raw = nil
			}
			rec := store.MessageFromEvent(s.ID, evt.Message, raw)
			if err := s.deps.store.UpsertMessage(ctx, rec); err != nil {
				s.deps.logger.Warnf("Failed to store message %s: %v", rec.MessageID, err)
			}
			if err := s.deps.store.TouchChat(ctx, s.ID, evt.Message.RemoteJID, evt.Message.IsGroup, evt.Message.Timestamp); err != nil {
				s.deps.logger.Debugf("Failed to touch chat %s: %v", evt.Message.RemoteJID, err)
			}
			s.publish(evt)
			continue
		}
		s.routeEvent(ctx, evt)
	}
}

// routeEvent applies store side effects for a normalized event and then
// broadcasts it. Persistence failures degrade to logs.
func (s *Session) routeEvent(ctx context.Context, evt event.Event) {
	switch evt.Type {
	case event.TypeReceipt:
		r := evt.Receipt
		if err := s.deps.store.UpdateDeliveryStatus(ctx, s.ID, r.RemoteJID, r.MessageIDs, r.Status); err != nil {
			s.deps.logger.Debugf("Failed to update delivery status in %s: %v", r.RemoteJID, err)
		}

	case event.TypeMessageDelete:
		d := evt.Delete
		if err := s.deps.store.DeleteMessage(ctx, s.ID, d.RemoteJID, d.MessageID); err != nil {
			s.deps.logger.Debugf("Failed to delete message %s: %v", d.MessageID, err)
		}

	case event.TypeChatDelete:
		if err := s.deps.store.DeleteChat(ctx, s.ID, evt.Chat.ChatJID); err != nil {
			s.deps.logger.Debugf("Failed to delete chat %s: %v", evt.Chat.ChatJID, err)
		}

	case event.TypeContactUpsert:
		c := evt.Contact
		rec := store.Contact{
			ConnectionID: s.ID,
			JID:          c.JID,
			FullName:     c.FullName,
			PushName:     c.PushName,
			BusinessName: c.BusinessName,
		}
		if err := s.deps.store.UpsertContact(ctx, rec); err != nil {
			s.deps.logger.Debugf("Failed to store contact %s: %v", c.JID, err)
		}

	case event.TypeGroupUpdate:
		s.deps.groups.Invalidate(evt.Group.GroupJID)
		go s.refreshGroup(evt.Group.GroupJID)
	}

	s.publish(evt)
}

func (s *Session) refreshGroup(groupJID string) {
	sock, err := s.openSocket()
	if err != nil {
		return
	}
	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := sock.GetGroupInfo(ctx, jid)
	if err != nil {
		s.deps.logger.Debugf("Failed to refresh group %s: %v", groupJID, err)
		return
	}
	s.deps.groups.Put(groupJID, info)
}

// GroupMetadata returns group metadata, cache first.
func (s *Session) GroupMetadata(ctx context.Context, groupJID string) (*types.GroupInfo, error) {
	if info, ok := s.deps.groups.Get(groupJID); ok {
		return info, nil
	}

	sock, err := s.openSocket()
	if err != nil {
		return nil, err
	}
	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return nil, fmt.Errorf("invalid group JID: %w", err)
	}
	info, err := sock.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get group info: %w", err)
	}
	s.deps.groups.Put(groupJID, info)
	return info, nil
}

func (s *Session) handleHistorySync(ctx context.Context, v *events.HistorySync) {
	if v.Data == nil {
		return
	}
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()
	if sock == nil {
		return
	}

	summary := s.deps.reconciler.ProcessHistorySync(ctx, s.ID, v.Data, sock)
	s.publish(event.Event{
		Type:         event.TypeHistorySynced,
		ConnectionID: s.ID,
		At:           time.Now(),
		HistorySync:  &summary,
	})
}

// messageForRetry answers the protocol's retry receipt lookup: cache first,
// then the store's raw payload column, nil on miss.
func (s *Session) messageForRetry(requester, to types.JID, id types.MessageID) *waE2E.Message {
	if msg, ok := s.deps.messages.Get(to.String(), string(id)); ok {
		return msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := s.deps.store.MessageRaw(ctx, s.ID, to.String(), string(id))
	if err != nil || len(raw) == 0 {
		s.deps.logger.Debugf("Retry lookup miss for %s in %s", id, to)
		return nil
	}

	var msg waE2E.Message
	if err := proto.Unmarshal(raw, &msg); err != nil {
		s.deps.logger.Debugf("Retry lookup unmarshal failed for %s: %v", id, err)
		return nil
	}
	return &msg
}

// handleClose tears the socket down and classifies the close. Terminal
// closes cancel any pending reconnect, transient closes schedule one.
func (s *Session) handleClose(reason string, terminal bool) {
	s.mu.Lock()
	if s.disposed || s.state.IsClosed() {
		s.mu.Unlock()
		return
	}
	sock := s.socket
	s.mu.Unlock()

	_ = s.transition(StateClosing, reason)
	if sock != nil {
		sock.Disconnect()
	}

	if terminal {
		s.deps.supervisor.Cancel(s.ID)
		if err := s.transition(StateClosedLoggedOut, reason); err != nil {
			s.deps.logger.Warnf("Close transition failed for %s: %v", s.ID, err)
		}
		s.deps.logger.Warnf("Connection %s closed permanently: %s", s.ID, reason)
		return
	}

	if err := s.transition(StateClosedTransient, reason); err != nil {
		s.deps.logger.Warnf("Close transition failed for %s: %v", s.ID, err)
		return
	}
	s.deps.supervisor.Schedule(s.ID, s.reconnect)
}

// reconnect is invoked by the supervisor after the fixed delay. The same
// credential store backs the fresh socket, so an established pairing
// survives the round trip.
func (s *Session) reconnect() {
	// The timer may already be running when Dispose cancels it; a disposed
	// session must not come back.
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.transition(StateConnecting, ""); err != nil {
		s.deps.logger.Debugf("Skipping reconnect for %s: %v", s.ID, err)
		return
	}

	s.deps.logger.Infof("Reconnecting %s", s.ID)
	if err := s.connect(context.Background()); err != nil {
		s.deps.logger.Errorf("Reconnect failed for %s: %v", s.ID, err)
		s.handleClose("reconnect_failed", false)
	}
}

// dispose shuts the session down for good. With logout the credentials are
// invalidated server side, without it they stay valid for the next start.
func (s *Session) dispose(ctx context.Context, logout bool) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	sock := s.socket
	s.mu.Unlock()

	close(s.done)

	if sock != nil {
		if logout {
			if err := sock.Logout(ctx); err != nil {
				s.deps.logger.Warnf("Logout failed for %s: %v", s.ID, err)
				sock.Disconnect()
			}
		} else {
			sock.Disconnect()
		}
	}

	target := StateClosedTransient
	reason := "disposed"
	if logout {
		target = StateClosedLoggedOut
		reason = "logged_out"
	}
	if err := s.transition(target, reason); err != nil {
		s.deps.logger.Debugf("Dispose transition for %s: %v", s.ID, err)
	}
}

func (s *Session) openSocket() (Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosedLoggedOut {
		return nil, ErrLoggedOut
	}
	if s.state != StateOpen || s.socket == nil {
		return nil, ErrConnectionNotOpen
	}
	return s.socket, nil
}
