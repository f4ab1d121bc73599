package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/protocol"
)

type emitted struct {
	event   string
	payload any
}

type fakePush struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (f *fakePush) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emitted{event, payload})
	return nil
}

func (f *fakePush) named(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeAPI assigns durable id dN to correlation id cN, the way the server's
// idempotent insert returns the same row to the push and REST paths.
type fakeAPI struct {
	mu       sync.Mutex
	release  chan struct{} // when set, SendMessage blocks until closed
	sendErr  error
	readErr  error
	sent     []protocol.SendMessage
	readPeer []string
}

func (f *fakeAPI) SendMessage(ctx context.Context, msg protocol.SendMessage) (protocol.Message, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.sendErr != nil {
		return protocol.Message{}, f.sendErr
	}
	return protocol.Message{
		ID:          "d" + strings.TrimPrefix(msg.CorrelationID, "c"),
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		Kind:        msg.Kind,
		Status:      protocol.StatusSent,
	}, nil
}

func (f *fakeAPI) MarkConversationRead(_ context.Context, peer string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readPeer = append(f.readPeer, peer)
	return nil, f.readErr
}

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("c%d", n.Add(1)) }
}

func newPipeline(push *fakePush, api *fakeAPI, opts Options) *Pipeline {
	if opts.NewID == nil {
		opts.NewID = sequentialIDs()
	}
	return New("alice", push, api, bus.New(), opts, nil)
}

func frame(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

// A sends "hello" to B; the push ack lands before persistence confirms,
// and A's own session then receives the echo.
func TestHelloScenarioShowsOnce(t *testing.T) {
	push := &fakePush{}
	api := &fakeAPI{release: make(chan struct{})}
	p := newPipeline(push, api, Options{})

	m, err := p.Send(context.Background(), "bob", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPending, m.Status)
	require.Len(t, p.Thread("bob").Messages, 1, "rendered optimistically")

	require.Eventually(t, func() bool { return len(push.named(protocol.EventSendMessage)) == 1 }, time.Second, 5*time.Millisecond)
	sent := push.named(protocol.EventSendMessage)[0].payload.(protocol.SendMessage)
	assert.Equal(t, m.CorrelationID, sent.CorrelationID)

	durable := protocol.Message{ID: "d1", SenderID: "alice", RecipientID: "bob", Content: "hello", Kind: protocol.KindText, Status: protocol.StatusSent}
	p.Handle(frame(t, protocol.EventMessageSent, protocol.MessageSent{CorrelationID: m.CorrelationID, Message: &durable}))

	th := p.Thread("bob")
	require.Len(t, th.Messages, 1)
	assert.Equal(t, protocol.StatusSent, th.Messages[0].Status)

	p.Handle(frame(t, protocol.EventNewMessage, protocol.NewMessage{Message: durable}))
	close(api.release)

	require.Eventually(t, func() bool {
		th := p.Thread("bob")
		return len(th.Messages) == 1 && th.Messages[0].Confirmed() && th.Messages[0].persisted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.Pending())
}

func TestAwaitResolvesOnAck(t *testing.T) {
	p := newPipeline(&fakePush{}, &fakeAPI{}, Options{})
	m, err := p.Send(context.Background(), "bob", "hi", "")
	require.NoError(t, err)

	require.Equal(t, 1, p.Pending())

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Handle(frame(t, protocol.EventMessageSent, protocol.MessageSent{CorrelationID: m.CorrelationID}))
	}()
	assert.NoError(t, p.Await(context.Background(), m.CorrelationID))
	assert.ErrorIs(t, p.Await(context.Background(), m.CorrelationID), ErrNotFound, "settled futures are removed")
}

func TestPushRejectionFailsAndRetryReusesSlot(t *testing.T) {
	push := &fakePush{}
	api := &fakeAPI{sendErr: errors.New("db down")}
	p := newPipeline(push, api, Options{})

	first, err := p.Send(context.Background(), "bob", "one", "")
	require.NoError(t, err)
	_, err = p.Send(context.Background(), "bob", "two", "")
	require.NoError(t, err)

	p.Handle(frame(t, protocol.EventMessageErr, protocol.MessageError{CorrelationID: first.CorrelationID, Error: "rate limited"}))
	th := p.Thread("bob")
	require.Len(t, th.Messages, 2)
	assert.Equal(t, protocol.StatusFailed, th.Messages[0].Status)

	retried, err := p.Retry(context.Background(), first.CorrelationID)
	require.NoError(t, err)
	assert.NotEqual(t, first.CorrelationID, retried.CorrelationID)

	th = p.Thread("bob")
	require.Len(t, th.Messages, 2)
	assert.Equal(t, retried.CorrelationID, th.Messages[0].CorrelationID)
	assert.Equal(t, "one", th.Messages[0].Content)
	assert.Equal(t, protocol.StatusPending, th.Messages[0].Status)

	_, err = p.Retry(context.Background(), retried.CorrelationID)
	assert.ErrorIs(t, err, ErrNotRetryable)
	_, err = p.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmitFailureFailsMessage(t *testing.T) {
	push := &fakePush{err: errors.New("disconnected")}
	api := &fakeAPI{sendErr: errors.New("offline")}
	p := newPipeline(push, api, Options{})

	updates, unsub := p.bus.Subscribe(bus.MessageFailed, 4)
	defer unsub()

	m, err := p.Send(context.Background(), "bob", "hi", "")
	require.NoError(t, err)

	select {
	case evt := <-updates:
		u := evt.Payload.(Update)
		assert.Equal(t, m.CorrelationID, u.Message.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("expected message.failed")
	}
	assert.Equal(t, protocol.StatusFailed, p.Thread("bob").Messages[0].Status)
}

func TestPersistenceAloneConfirms(t *testing.T) {
	push := &fakePush{err: errors.New("disconnected")}
	p := newPipeline(push, &fakeAPI{}, Options{})

	_, err := p.Send(context.Background(), "bob", "hi", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		th := p.Thread("bob")
		return th.Messages[0].Status == protocol.StatusSent && th.Messages[0].ID == "d1"
	}, time.Second, 5*time.Millisecond)
}

func TestAckTimeout(t *testing.T) {
	api := &fakeAPI{release: make(chan struct{})}
	defer close(api.release)
	p := newPipeline(&fakePush{}, api, Options{AckTimeout: 20 * time.Millisecond})

	m, err := p.Send(context.Background(), "bob", "hi", "")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Await(context.Background(), m.CorrelationID), ErrAckTimeout)
	require.Eventually(t, func() bool {
		return p.Thread("bob").Messages[0].Status == protocol.StatusFailed
	}, time.Second, 5*time.Millisecond)

	// A late ack still confirms the message.
	p.Handle(frame(t, protocol.EventMessageSent, protocol.MessageSent{CorrelationID: m.CorrelationID}))
	assert.Equal(t, protocol.StatusSent, p.Thread("bob").Messages[0].Status)
}

func TestCancelledCallerDoesNotCancelSend(t *testing.T) {
	api := &fakeAPI{release: make(chan struct{})}
	p := newPipeline(&fakePush{}, api, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := p.Send(ctx, "bob", "hi", "")
	require.NoError(t, err)
	cancel()
	close(api.release)

	require.Eventually(t, func() bool { return p.Thread("bob").Messages[0].ID != "" }, time.Second, 5*time.Millisecond)
}

func TestReceiptsAndMarkRead(t *testing.T) {
	push := &fakePush{}
	p := newPipeline(push, &fakeAPI{}, Options{})

	m, err := p.Send(context.Background(), "bob", "hi", "")
	require.NoError(t, err)
	durable := protocol.Message{ID: "d1", SenderID: "alice", RecipientID: "bob", Content: "hi", Status: protocol.StatusSent}
	p.Handle(frame(t, protocol.EventMessageSent, protocol.MessageSent{CorrelationID: m.CorrelationID, Message: &durable}))
	p.Handle(frame(t, protocol.EventMessageRead, protocol.MessageRead{MessageID: "d1"}))

	got, ok := p.Thread("bob").Find("d1")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusRead, got.Status)

	p.Handle(frame(t, protocol.EventNewMessage, protocol.NewMessage{Message: protocol.Message{
		ID: "y1", SenderID: "bob", RecipientID: "alice", Content: "yo", Status: protocol.StatusDelivered,
	}}))
	require.NoError(t, p.MarkRead(context.Background(), "y1"))

	th := p.Thread("bob")
	got, _ = th.Find("y1")
	assert.True(t, got.Read)
	assert.Equal(t, 1, th.Unread, "single reads leave the counter")

	receipts := push.named(protocol.EventMarkRead)
	require.Len(t, receipts, 1)
	assert.Equal(t, protocol.MarkRead{MessageID: "y1", ReaderID: "alice"}, receipts[0].payload)

	assert.ErrorIs(t, p.MarkRead(context.Background(), "d1"), ErrNotFound, "cannot mark our own message read")
}

func TestMarkConversationRead(t *testing.T) {
	push := &fakePush{}
	api := &fakeAPI{}
	p := newPipeline(push, api, Options{})

	for i := range 3 {
		p.Handle(frame(t, protocol.EventNewMessage, protocol.NewMessage{Message: protocol.Message{
			ID: fmt.Sprintf("m%d", i), SenderID: "bob", RecipientID: "alice", Content: "x", Status: protocol.StatusDelivered,
		}}))
	}
	require.Equal(t, 3, p.Thread("bob").Unread)

	require.NoError(t, p.MarkConversationRead(context.Background(), "bob"))
	th := p.Thread("bob")
	assert.Equal(t, 0, th.Unread)
	for _, m := range th.Messages {
		assert.Equal(t, protocol.StatusRead, m.Status)
	}
	assert.Equal(t, []string{"bob"}, api.readPeer)
	assert.Empty(t, push.named(protocol.EventMarkRead), "the server notifies the sender")
}

func TestMarkConversationReadFallsBackToReceipts(t *testing.T) {
	push := &fakePush{}
	p := newPipeline(push, &fakeAPI{readErr: errors.New("offline")}, Options{})

	for i := range 2 {
		p.Handle(frame(t, protocol.EventNewMessage, protocol.NewMessage{Message: protocol.Message{
			ID: fmt.Sprintf("m%d", i), SenderID: "bob", RecipientID: "alice", Content: "x",
		}}))
	}
	require.NoError(t, p.MarkConversationRead(context.Background(), "bob"))
	assert.Len(t, push.named(protocol.EventMarkRead), 2)
	assert.Equal(t, 0, p.Thread("bob").Unread)
}

func TestNewMessageForOtherUsersIsIgnored(t *testing.T) {
	p := newPipeline(&fakePush{}, &fakeAPI{}, Options{})
	p.Handle(frame(t, protocol.EventNewMessage, protocol.NewMessage{Message: protocol.Message{
		ID: "z", SenderID: "bob", RecipientID: "carol", Content: "x",
	}}))
	assert.Empty(t, p.Thread("bob").Messages)
}

func TestResetSettlesPending(t *testing.T) {
	api := &fakeAPI{release: make(chan struct{})}
	defer close(api.release)
	p := newPipeline(&fakePush{}, api, Options{})

	m, err := p.Send(context.Background(), "bob", "hi", "")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Reset()
	}()
	assert.ErrorIs(t, p.Await(context.Background(), m.CorrelationID), ErrReset)
	assert.Empty(t, p.Thread("bob").Messages)
	assert.Equal(t, 0, p.Pending())
}

func TestHandleBurstKeepsEveryMessage(t *testing.T) {
	b := bus.New()
	watch, unsub := b.Subscribe(bus.MessageUpserted, 1)
	defer unsub()
	p := New("alice", &fakePush{}, &fakeAPI{}, b, Options{}, nil)

	for i := range 3000 {
		p.Handle(frame(t, protocol.EventNewMessage, protocol.NewMessage{Message: protocol.Message{
			ID: fmt.Sprintf("m%d", i), SenderID: "bob", RecipientID: "alice", Content: "hey",
		}}))
	}

	th := p.Thread("bob")
	assert.Len(t, th.Messages, 3000)
	assert.Equal(t, 3000, th.Unread)
	assert.Len(t, watch, 1, "a slow bus subscriber only misses notifications")
}

func TestSendRejectsEmptyContent(t *testing.T) {
	p := newPipeline(&fakePush{}, &fakeAPI{}, Options{})
	_, err := p.Send(context.Background(), "bob", "   ", "")
	assert.ErrorIs(t, err, ErrEmpty)
}
