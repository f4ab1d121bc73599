package delivery

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// echoSkew bounds how far server and client clocks may disagree when a
// history entry is matched to a pending send.
const echoSkew = time.Minute

// Message is one visible slot in a thread. CorrelationID is set for
// messages created locally; ID is set once the server confirms it.
type Message struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	ID            string    `json:"id,omitempty"`
	SenderID      string    `json:"sender_id"`
	RecipientID   string    `json:"recipient_id"`
	Content       string    `json:"content"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"created_at"`

	acked     bool
	persisted bool
}

// Confirmed reports whether the push channel or the persistence API has
// accepted the message.
func (m Message) Confirmed() bool { return m.acked || m.persisted }

func fromWire(w protocol.Message) Message {
	return Message{
		ID:          w.ID,
		SenderID:    w.SenderID,
		RecipientID: w.RecipientID,
		Content:     w.Content,
		Kind:        w.Kind,
		Status:      w.Status,
		Read:        w.Read,
		CreatedAt:   time.UnixMilli(w.CreatedAt),
	}
}

// Thread is the local state of the conversation between Self and Peer.
// Messages are in display order, which is creation order of the slots.
type Thread struct {
	Self     string    `json:"self"`
	Peer     string    `json:"peer"`
	Messages []Message `json:"messages"`
	Unread   int       `json:"unread"`
}

// Event is an input to Apply.
type Event interface{ event() }

// Created appends an optimistic message.
type Created struct{ Message Message }

// Acked records the push channel's acknowledgement. Message carries the
// durable form when the hub returned one.
type Acked struct {
	CorrelationID string
	Message       *protocol.Message
}

// Rejected records a push error or a failed emit.
type Rejected struct{ CorrelationID string }

// Persisted records a successful persistence call.
type Persisted struct {
	CorrelationID string
	Message       protocol.Message
}

// TimedOut fires when no acknowledgement arrived in time.
type TimedOut struct{ CorrelationID string }

// Inbound is a new_message frame, either from the peer or an echo of one of
// our own sends.
type Inbound struct{ Message protocol.Message }

// Receipt is a message_read for one of our messages.
type Receipt struct{ MessageID string }

// LocalRead marks a single received message read. The unread counter is not
// touched.
type LocalRead struct{ MessageID string }

// ConversationRead marks every message from the peer read and zeroes the
// unread counter.
type ConversationRead struct{}

// Retried replaces a failed slot with a fresh send in the same position.
type Retried struct {
	Previous string
	Message  Message
}

// Loaded merges fetched history. Messages are oldest first; those already
// present are skipped, our own sends still awaiting confirmation take their
// durable id, and the rest go before the current slots. A nil Unread leaves
// the counter alone.
type Loaded struct {
	Messages []protocol.Message
	Unread   *int
}

func (Created) event()          {}
func (Acked) event()            {}
func (Rejected) event()         {}
func (Persisted) event()        {}
func (TimedOut) event()         {}
func (Inbound) event()          {}
func (Receipt) event()          {}
func (LocalRead) event()        {}
func (ConversationRead) event() {}
func (Retried) event()          {}
func (Loaded) event()           {}

// Apply returns the thread after e. t is not modified.
func Apply(t Thread, e Event) Thread {
	t.Messages = slices.Clone(t.Messages)

	switch e := e.(type) {
	case Created:
		m := e.Message
		if m.Status == "" {
			m.Status = protocol.StatusPending
		}
		t.Messages = append(t.Messages, m)

	case Acked:
		i := t.byCorrelation(e.CorrelationID)
		if i < 0 {
			if e.Message != nil {
				return Apply(t, Inbound{Message: *e.Message})
			}
			return t
		}
		t.Messages[i].acked = true
		t.confirm(i, e.Message)

	case Persisted:
		i := t.byCorrelation(e.CorrelationID)
		if i < 0 {
			return Apply(t, Inbound{Message: e.Message})
		}
		t.Messages[i].persisted = true
		t.confirm(i, &e.Message)

	case Rejected:
		if i := t.byCorrelation(e.CorrelationID); i >= 0 && !t.Messages[i].Confirmed() {
			t.Messages[i].Status = protocol.StatusFailed
		}

	case TimedOut:
		if i := t.byCorrelation(e.CorrelationID); i >= 0 && !t.Messages[i].Confirmed() {
			t.Messages[i].Status = protocol.StatusFailed
		}

	case Inbound:
		t.inbound(e.Message)

	case Receipt:
		if i := t.byID(e.MessageID); i >= 0 && t.Messages[i].SenderID == t.Self {
			t.Messages[i].Read = true
			t.Messages[i].Status = protocol.StatusRead
		}

	case LocalRead:
		if i := t.byID(e.MessageID); i >= 0 && t.Messages[i].RecipientID == t.Self {
			t.Messages[i].Read = true
			t.Messages[i].Status = protocol.StatusRead
		}

	case ConversationRead:
		for i := range t.Messages {
			m := &t.Messages[i]
			if m.SenderID == t.Peer && !m.Read {
				m.Read = true
				m.Status = protocol.StatusRead
			}
		}
		t.Unread = 0

	case Retried:
		if i := t.byCorrelation(e.Previous); i >= 0 {
			m := e.Message
			if m.Status == "" {
				m.Status = protocol.StatusPending
			}
			t.Messages[i] = m
		}

	case Loaded:
		var older []Message
		for _, w := range e.Messages {
			if w.ID != "" && t.byID(w.ID) >= 0 {
				continue
			}
			if w.SenderID == t.Self {
				if i := t.echoMatch(w.SenderID, w.RecipientID, w.Content, -1); i >= 0 && !sentBefore(w, t.Messages[i]) {
					t.echo(i, w)
					continue
				}
			}
			older = append(older, fromWire(w))
		}
		t.Messages = append(older, t.Messages...)
		if e.Unread != nil {
			t.Unread = *e.Unread
		}
	}
	return t
}

// confirm marks slot i as accepted by the server and binds its durable id.
func (t *Thread) confirm(i int, durable *protocol.Message) {
	m := &t.Messages[i]
	if m.Status == protocol.StatusFailed || protocol.StatusRank(m.Status) < protocol.StatusRank(protocol.StatusSent) {
		m.Status = protocol.StatusSent
	}
	if durable == nil || durable.ID == "" {
		return
	}
	i = t.bind(i, durable.ID)
	raise(&t.Messages[i], *durable)
}

// bind gives slot i the durable id and returns the slot's index afterwards.
// An echo that beat its ack may have attached id to another identical slot,
// or attached another id to slot i; both are moved to where they belong. A
// slot holding id without a correlation id is a server copy of this very
// message and is dropped.
func (t *Thread) bind(i int, id string) int {
	if j := t.byID(id); j >= 0 && j != i {
		if t.Messages[j].CorrelationID == "" {
			t.Messages = slices.Delete(t.Messages, j, j+1)
			if j < i {
				i--
			}
		} else {
			other := &t.Messages[j]
			other.ID = ""
			if !other.Confirmed() {
				other.Status = protocol.StatusPending
			}
		}
	}
	m := &t.Messages[i]
	prev := m.ID
	m.ID = id
	if prev == "" || prev == id {
		return i
	}
	if k := t.echoMatch(m.SenderID, m.RecipientID, m.Content, i); k >= 0 {
		t.Messages[k].ID = prev
		if protocol.StatusRank(t.Messages[k].Status) < protocol.StatusRank(protocol.StatusSent) {
			t.Messages[k].Status = protocol.StatusSent
		}
		return i
	}
	moved := *m
	moved.CorrelationID = ""
	moved.ID = prev
	t.Messages = append(t.Messages, moved)
	return i
}

// inbound reconciles a confirmed message: update by id, else bind to the
// earliest unconfirmed own slot with the same parties and content, else
// append.
func (t *Thread) inbound(w protocol.Message) {
	if i := t.byID(w.ID); i >= 0 {
		raise(&t.Messages[i], w)
		return
	}
	if w.SenderID == t.Self {
		if i := t.echoMatch(w.SenderID, w.RecipientID, w.Content, -1); i >= 0 {
			t.echo(i, w)
			return
		}
	}
	t.Messages = append(t.Messages, fromWire(w))
	if w.SenderID == t.Peer && !w.Read {
		t.Unread++
	}
}

// echo binds the server copy w to the unconfirmed slot i.
func (t *Thread) echo(i int, w protocol.Message) {
	m := &t.Messages[i]
	m.ID = w.ID
	if m.Status == protocol.StatusFailed || protocol.StatusRank(m.Status) < protocol.StatusRank(protocol.StatusSent) {
		m.Status = protocol.StatusSent
	}
	raise(m, w)
}

// sentBefore reports whether history entry w predates slot m by more than
// clock skew allows, making it an earlier message with the same text.
func sentBefore(w protocol.Message, m Message) bool {
	if m.CreatedAt.IsZero() || w.CreatedAt == 0 {
		return false
	}
	return time.UnixMilli(w.CreatedAt).Before(m.CreatedAt.Add(-echoSkew))
}

// raise moves m's status forward to w's. Statuses never go backwards.
func raise(m *Message, w protocol.Message) {
	if w.Read {
		m.Read = true
	}
	if m.Status != protocol.StatusFailed && protocol.StatusRank(w.Status) > protocol.StatusRank(m.Status) {
		m.Status = w.Status
	}
	if m.Read && m.Status != protocol.StatusFailed {
		m.Status = protocol.StatusRead
	}
}

func (t *Thread) echoMatch(sender, recipient, content string, skip int) int {
	for i, m := range t.Messages {
		if i == skip || m.ID != "" || m.CorrelationID == "" {
			continue
		}
		if m.SenderID == sender && m.RecipientID == recipient && m.Content == content {
			return i
		}
	}
	return -1
}

func (t *Thread) byCorrelation(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range t.Messages {
		if m.CorrelationID == id {
			return i
		}
	}
	return -1
}

func (t *Thread) byID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range t.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Find returns the slot with the given correlation id or durable id.
func (t Thread) Find(id string) (Message, bool) {
	if i := t.byCorrelation(id); i >= 0 {
		return t.Messages[i], true
	}
	if i := t.byID(id); i >= 0 {
		return t.Messages[i], true
	}
	return Message{}, false
}
