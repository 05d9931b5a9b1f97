package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"whatsapp-gateway/src/go/event"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

func openSession(t *testing.T, sock *fakeSocket, st *fakeStore, sink *fakeSink) *Session {
	t.Helper()
	factory := &fakeFactory{sockets: []*fakeSocket{sock}}
	d := newTestDeps(factory, st, sink, 20*time.Millisecond)
	reg := newRegistry(d)

	s, err := reg.Create(t.Context(), "conn-1", "Sales", "15551234567")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Dispose(t.Context(), "conn-1", false) })

	sock.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)
	return s
}

func TestSessionPairingLifecycle(t *testing.T) {
	sock := newFakeSocket(false)
	factory := &fakeFactory{sockets: []*fakeSocket{sock}}
	sink := &fakeSink{}
	d := newTestDeps(factory, newFakeStore(), sink, 20*time.Millisecond)
	reg := newRegistry(d)

	s, err := reg.Create(t.Context(), "conn-1", "Sales", "")
	require.NoError(t, err)
	defer reg.Dispose(t.Context(), "conn-1", false)

	assert.Equal(t, StateConnecting, s.State())

	sock.qr <- whatsmeow.QRChannelItem{Event: "code", Code: "qr-payload-1"}
	require.Eventually(t, func() bool { return s.State() == StateQRReady }, waitFor, tick)

	info := s.Info()
	assert.Equal(t, "qr-payload-1", info.QRCode)
	assert.NotEmpty(t, info.QRPNG)
	require.NotEmpty(t, sink.byType(event.TypeQRIssued))

	sock.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	// Pairing material must be gone once the connection is open.
	info = s.Info()
	assert.Empty(t, info.QRCode)
	assert.Empty(t, info.QRPNG)
	assert.Empty(t, info.PairingCode)
}

func TestSendRejectedWhileConnecting(t *testing.T) {
	sock := newFakeSocket(false)
	factory := &fakeFactory{sockets: []*fakeSocket{sock}}
	d := newTestDeps(factory, newFakeStore(), &fakeSink{}, 20*time.Millisecond)
	reg := newRegistry(d)

	s, err := reg.Create(t.Context(), "conn-1", "", "")
	require.NoError(t, err)
	defer reg.Dispose(t.Context(), "conn-1", false)

	_, err = s.Send(t.Context(), "15550001111", SendPayload{Text: "hello"})
	assert.ErrorIs(t, err, ErrConnectionNotOpen)
	assert.Equal(t, 0, sock.sentCount())
}

func TestSendPersistsAndBroadcasts(t *testing.T) {
	sock := newFakeSocket(true)
	st := newFakeStore()
	sink := &fakeSink{}
	s := openSession(t, sock, st, sink)

	msg, err := s.Send(t.Context(), "15550001111", SendPayload{Text: "hello there"})
	require.NoError(t, err)
	assert.True(t, msg.FromMe)
	assert.Equal(t, "hello there", msg.Content.Text.Body)
	assert.Equal(t, 1, sock.sentCount())

	rec, ok := st.message("conn-1", msg.RemoteJID, msg.MessageID)
	require.True(t, ok)
	assert.Equal(t, "hello there", rec.Text)
	assert.Equal(t, "sent", rec.DeliveryStatus)

	published := sink.byType(event.TypeMessage)
	require.Len(t, published, 1)
	assert.Equal(t, msg.ID, published[0].Message.ID)

	// The sent payload must be answerable for retry receipts.
	cached, ok := s.deps.messages.Get(msg.RemoteJID, msg.MessageID)
	require.True(t, ok)
	assert.Equal(t, "hello there", cached.GetConversation())
}

func TestInboundMessageStoredAndCached(t *testing.T) {
	sock := newFakeSocket(true)
	st := newFakeStore()
	sink := &fakeSink{}
	s := openSession(t, sock, st, sink)

	chat := types.NewJID("15550002222", types.DefaultUserServer)
	incoming := &events.Message{Message: &waE2E.Message{Conversation: proto.String("ping")}}
	incoming.Info.ID = "MSG-IN-1"
	incoming.Info.Chat = chat
	incoming.Info.Sender = chat
	incoming.Info.Timestamp = time.Now()
	sock.emit(incoming)

	require.Eventually(t, func() bool {
		_, ok := st.message("conn-1", chat.String(), "MSG-IN-1")
		return ok
	}, waitFor, tick)

	rec, _ := st.message("conn-1", chat.String(), "MSG-IN-1")
	assert.Equal(t, "ping", rec.Text)
	assert.Equal(t, "text", rec.Kind)

	retry := s.messageForRetry(types.JID{}, chat, "MSG-IN-1")
	require.NotNil(t, retry)
	assert.Equal(t, "ping", retry.GetConversation())
}

func TestRetryLookupFallsBackToStore(t *testing.T) {
	sock := newFakeSocket(true)
	st := newFakeStore()
	s := openSession(t, sock, st, &fakeSink{})

	chat := types.NewJID("15550003333", types.DefaultUserServer)
	raw, err := proto.Marshal(&waE2E.Message{Conversation: proto.String("from the store")})
	require.NoError(t, err)
	require.NoError(t, st.UpsertMessage(t.Context(), storeMessage("conn-1", chat.String(), "OLD-1", raw)))

	msg := s.messageForRetry(types.JID{}, chat, "OLD-1")
	require.NotNil(t, msg)
	assert.Equal(t, "from the store", msg.GetConversation())

	assert.Nil(t, s.messageForRetry(types.JID{}, chat, "NEVER-SEEN"))
}

func TestTransientCloseSchedulesReconnect(t *testing.T) {
	first := newFakeSocket(true)
	second := newFakeSocket(true)
	factory := &fakeFactory{sockets: []*fakeSocket{first, second}}
	sink := &fakeSink{}
	d := newTestDeps(factory, newFakeStore(), sink, 20*time.Millisecond)
	reg := newRegistry(d)

	s, err := reg.Create(t.Context(), "conn-1", "", "")
	require.NoError(t, err)
	defer reg.Dispose(t.Context(), "conn-1", false)

	first.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	first.emit(&events.Disconnected{})
	require.Eventually(t, func() bool { return factory.createdCount() == 2 }, waitFor, tick)

	second.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	// The same id went through closed_transient and back to open.
	states := []string{}
	for _, evt := range sink.byType(event.TypeConnectionState) {
		states = append(states, evt.Connection.State)
	}
	assert.Contains(t, states, string(StateClosedTransient))
}

func TestLoggedOutIsTerminal(t *testing.T) {
	sock := newFakeSocket(true)
	factory := &fakeFactory{sockets: []*fakeSocket{sock, newFakeSocket(true)}}
	d := newTestDeps(factory, newFakeStore(), &fakeSink{}, 20*time.Millisecond)
	reg := newRegistry(d)

	s, err := reg.Create(t.Context(), "conn-1", "", "")
	require.NoError(t, err)
	defer reg.Dispose(t.Context(), "conn-1", false)

	sock.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	sock.emit(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	require.Eventually(t, func() bool { return s.State() == StateClosedLoggedOut }, waitFor, tick)

	// No reconnect may ever fire for a logged out close.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, factory.createdCount())
	assert.False(t, d.supervisor.Pending("conn-1"))

	_, err = s.Send(t.Context(), "15550001111", SendPayload{Text: "nope"})
	assert.ErrorIs(t, err, ErrLoggedOut)
}

func TestPairingCodeSingleInFlight(t *testing.T) {
	sock := newFakeSocket(false)
	factory := &fakeFactory{sockets: []*fakeSocket{sock}}
	d := newTestDeps(factory, newFakeStore(), &fakeSink{}, 20*time.Millisecond)
	reg := newRegistry(d)

	s, err := reg.Create(t.Context(), "conn-1", "", "")
	require.NoError(t, err)
	defer reg.Dispose(t.Context(), "conn-1", false)

	type result struct {
		code string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		code, err := s.RequestPairingCode(t.Context(), "15551234567")
		got <- result{code, err}
	}()

	require.Eventually(t, func() bool { return s.State() == StatePairingRequested }, waitFor, tick)

	_, err = s.RequestPairingCode(t.Context(), "15551234567")
	assert.ErrorIs(t, err, ErrPairingAlreadyRequested)

	close(sock.pairHold)
	first := <-got
	require.NoError(t, first.err)
	assert.Equal(t, "ABCD-1234", first.code)
	assert.Equal(t, "ABCD-1234", s.Info().PairingCode)
}

func TestReceiptUpdatesDeliveryStatus(t *testing.T) {
	sock := newFakeSocket(true)
	st := newFakeStore()
	sink := &fakeSink{}
	s := openSession(t, sock, st, sink)

	msg, err := s.Send(t.Context(), "15550001111", SendPayload{Text: "track me"})
	require.NoError(t, err)

	chat, err := types.ParseJID(msg.RemoteJID)
	require.NoError(t, err)
	receipt := &events.Receipt{Type: types.ReceiptTypeRead, Timestamp: time.Now(), MessageIDs: []types.MessageID{types.MessageID(msg.MessageID)}}
	receipt.Chat = chat
	receipt.Sender = chat
	sock.emit(receipt)

	require.Eventually(t, func() bool {
		rec, ok := st.message("conn-1", msg.RemoteJID, msg.MessageID)
		return ok && rec.DeliveryStatus == "read"
	}, waitFor, tick)

	receipts := sink.byType(event.TypeReceipt)
	require.NotEmpty(t, receipts)
	assert.Equal(t, "read", receipts[0].Receipt.Status)
}

func TestSendTypingMapsChatPresence(t *testing.T) {
	sock := newFakeSocket(true)
	s := openSession(t, sock, newFakeStore(), &fakeSink{})

	require.NoError(t, s.SendTyping(t.Context(), "15550001111", "composing"))
	require.NoError(t, s.SendTyping(t.Context(), "15550001111", "recording"))
	require.NoError(t, s.SendTyping(t.Context(), "15550001111", "paused"))
	assert.Error(t, s.SendTyping(t.Context(), "15550001111", "shouting"))

	calls := sock.chatPresenceCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, types.ChatPresenceComposing, calls[0].state)
	assert.Equal(t, types.ChatPresenceMediaText, calls[0].media)
	assert.Equal(t, types.ChatPresenceComposing, calls[1].state)
	assert.Equal(t, types.ChatPresenceMediaAudio, calls[1].media)
	assert.Equal(t, types.ChatPresencePaused, calls[2].state)
}

func TestReconnectAfterDisposeIsNoop(t *testing.T) {
	sock := newFakeSocket(true)
	factory := &fakeFactory{sockets: []*fakeSocket{sock, newFakeSocket(true)}}
	sink := &fakeSink{}
	d := newTestDeps(factory, newFakeStore(), sink, time.Hour)
	reg := newRegistry(d)

	s, err := reg.Create(t.Context(), "conn-1", "", "")
	require.NoError(t, err)

	sock.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)
	require.NoError(t, reg.Dispose(t.Context(), "conn-1", false))

	// A timer callback that slipped past Cancel must not resurrect the
	// session: no state change, no event, no fresh socket.
	s.reconnect()

	assert.True(t, s.State().IsClosed())
	assert.Equal(t, 1, factory.createdCount())
	for _, evt := range sink.byType(event.TypeConnectionState) {
		assert.NotEqual(t, string(StateConnecting), evt.Connection.State)
	}
}
