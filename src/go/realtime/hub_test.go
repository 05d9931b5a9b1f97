package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/gateway"
)

func newTestHub() *Hub {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewHub(logger)
}

// newTestClient registers a client without a network connection; frames
// are observed straight off the send channel.
func newTestClient(h *Hub) *Client {
	c := &Client{id: uuid.NewString(), hub: h, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = make(map[string]bool)
	h.mu.Unlock()
	return c
}

func receiveFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func messageEvent(connectionID string) event.Event {
	return event.Event{
		Type:         event.TypeMessage,
		ConnectionID: connectionID,
		At:           time.Now(),
		Message: &event.Message{
			ID:      event.NaturalKey(connectionID, "chat@s.whatsapp.net", "M1"),
			Content: event.Content{Kind: event.KindText, Text: &event.Text{Body: "hi"}},
		},
	}
}

func TestPublishReachesOnlyJoinedRoom(t *testing.T) {
	h := newTestHub()
	a := newTestClient(h)
	b := newTestClient(h)

	h.join(a, "conn-a")
	h.join(b, "conn-b")

	h.Publish(messageEvent("conn-a"))

	var got event.Event
	require.NoError(t, json.Unmarshal(receiveFrame(t, a), &got))
	assert.Equal(t, event.TypeMessage, got.Type)
	assert.Equal(t, "conn-a", got.ConnectionID)

	assertNoFrame(t, b)
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h)

	h.join(c, "conn-a")
	h.Publish(messageEvent("conn-a"))
	receiveFrame(t, c)

	h.leave(c, "conn-a")
	h.Publish(messageEvent("conn-a"))
	assertNoFrame(t, c)
	assert.Equal(t, 0, h.RoomSize("conn-a"))
}

func TestRemoveClientCleansAllRooms(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h)

	h.join(c, "conn-a")
	h.join(c, "conn-b")
	require.Equal(t, 1, h.RoomSize("conn-a"))

	h.removeClient(c)
	assert.Equal(t, 0, h.RoomSize("conn-a"))
	assert.Equal(t, 0, h.RoomSize("conn-b"))
	assert.Equal(t, 0, h.ClientCount())

	// The send channel is closed so the write pump terminates.
	_, open := <-c.send
	assert.False(t, open)
}

func TestJoinCommandAcked(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h)

	h.handleCommand(c, Command{Action: ActionJoin, ConnectionID: "conn-a", RequestID: "r1"})

	var ack Ack
	require.NoError(t, json.Unmarshal(receiveFrame(t, c), &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "r1", ack.RequestID)
	assert.Equal(t, 1, h.RoomSize("conn-a"))
}

func TestCommandRequiresConnectionID(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h)

	h.handleCommand(c, Command{Action: ActionSendMessage, RequestID: "r2"})

	var ack Ack
	require.NoError(t, json.Unmarshal(receiveFrame(t, c), &ack))
	assert.False(t, ack.OK)
	assert.NotEmpty(t, ack.Error)
}

type recordingCommander struct {
	sendErr  error
	hold     chan struct{}
	lastTo   string
	lastText string
}

func (r *recordingCommander) SendMessage(ctx context.Context, id, to string, payload gateway.SendPayload) (*event.Message, error) {
	if r.hold != nil {
		<-r.hold
	}
	if r.sendErr != nil {
		return nil, r.sendErr
	}
	r.lastTo = to
	r.lastText = payload.Text
	return &event.Message{ID: event.NaturalKey(id, to, "SENT1"), MessageID: "SENT1", FromMe: true}, nil
}

func (r *recordingCommander) MarkRead(ctx context.Context, id, chatJID, senderJID string, messageIDs []string) error {
	return nil
}

func (r *recordingCommander) UpdatePresence(ctx context.Context, id, status string) error {
	return nil
}

func (r *recordingCommander) SendTyping(ctx context.Context, id, chatJID, state string) error {
	return nil
}

func TestSendCommandAckedToRequesterOnly(t *testing.T) {
	h := newTestHub()
	commander := &recordingCommander{}
	h.Bind(commander)

	requester := newTestClient(h)
	bystander := newTestClient(h)
	h.join(bystander, "conn-a")

	h.handleCommand(requester, Command{
		Action:       ActionSendMessage,
		RequestID:    "r3",
		ConnectionID: "conn-a",
		To:           "15550001111",
		Payload:      &gateway.SendPayload{Text: "from ws"},
	})

	var ack Ack
	require.NoError(t, json.Unmarshal(receiveFrame(t, requester), &ack))
	assert.True(t, ack.OK)
	require.NotNil(t, ack.Message)
	assert.Equal(t, "SENT1", ack.Message.MessageID)
	assert.Equal(t, "from ws", commander.lastText)

	assertNoFrame(t, bystander)
}

func TestSendCommandErrorReported(t *testing.T) {
	h := newTestHub()
	h.Bind(&recordingCommander{sendErr: gateway.ErrConnectionNotOpen})
	c := newTestClient(h)

	h.handleCommand(c, Command{
		Action:       ActionSendMessage,
		RequestID:    "r4",
		ConnectionID: "conn-a",
		To:           "15550001111",
	})

	var ack Ack
	require.NoError(t, json.Unmarshal(receiveFrame(t, c), &ack))
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "not open")
}

func TestAckAfterClientRemovedDoesNotPanic(t *testing.T) {
	h := newTestHub()
	commander := &recordingCommander{hold: make(chan struct{})}
	h.Bind(commander)
	c := newTestClient(h)

	// The command goroutine is stuck in the commander when the client
	// disconnects; the late ack must be dropped, not sent on the closed
	// channel.
	h.handleCommand(c, Command{
		Action:       ActionSendMessage,
		RequestID:    "r5",
		ConnectionID: "conn-a",
		To:           "15550001111",
		Payload:      &gateway.SendPayload{Text: "late"},
	})
	h.removeClient(c)
	close(commander.hold)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.ClientCount())
	assert.False(t, c.enqueue([]byte("{}")))
}
