package hub

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
)

func (h *Hub) handle(s *session, env protocol.Envelope) {
	metrics.HubEvents.WithLabelValues(env.Event).Inc()

	if s.limiter != nil && !s.limiter.Allow() {
		metrics.RateLimitHits.Inc()
		if env.Event == protocol.EventSendMessage {
			var p protocol.SendMessage
			if env.Decode(&p) == nil {
				h.sendSession(s, protocol.EventMessageErr, protocol.MessageError{
					CorrelationID: p.CorrelationID,
					Error:         "rate limited",
				})
			}
		}
		return
	}

	ctx := context.Background()
	switch env.Event {
	case protocol.EventSendMessage:
		var p protocol.SendMessage
		if err := env.Decode(&p); err != nil {
			h.logger.Debug("bad send_message", zap.String("user", s.user), zap.Error(err))
			return
		}
		p.SenderID = s.user
		msg, created, err := h.persist(ctx, p)
		if err != nil {
			h.sendSession(s, protocol.EventMessageErr, protocol.MessageError{
				CorrelationID: p.CorrelationID,
				Error:         err.Error(),
			})
			return
		}
		h.sendSession(s, protocol.EventMessageSent, protocol.MessageSent{
			CorrelationID: p.CorrelationID,
			Message:       &msg,
		})
		if created {
			h.fanOut(msg)
		}

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var p protocol.Typing
		if err := env.Decode(&p); err != nil || p.RecipientID == "" {
			return
		}
		p.SenderID = s.user
		h.SendTo(p.RecipientID, env.Event, p)

	case protocol.EventMarkRead:
		var p protocol.MarkRead
		if err := env.Decode(&p); err != nil {
			return
		}
		if err := h.MarkRead(ctx, p.MessageID, s.user); err != nil {
			h.logger.Warn("mark read failed", zap.String("user", s.user), zap.String("message", p.MessageID), zap.Error(err))
		}

	default:
		h.logger.Debug("unknown event", zap.String("event", env.Event), zap.String("user", s.user))
	}
}

// Deliver persists a send and fans the confirmed message out to both
// parties. Repeating a send with the same correlation id returns the stored
// message without a second fan-out.
func (h *Hub) Deliver(ctx context.Context, p protocol.SendMessage) (protocol.Message, error) {
	msg, created, err := h.persist(ctx, p)
	if err != nil {
		return protocol.Message{}, err
	}
	if created {
		h.fanOut(msg)
	}
	return msg, nil
}

func (h *Hub) persist(ctx context.Context, p protocol.SendMessage) (protocol.Message, bool, error) {
	if p.SenderID == "" || p.RecipientID == "" || strings.TrimSpace(p.Content) == "" {
		return protocol.Message{}, false, ErrInvalidMessage
	}
	if p.Kind != "" && p.Kind != protocol.KindText && p.Kind != protocol.KindImage {
		return protocol.Message{}, false, fmt.Errorf("unsupported kind %q", p.Kind)
	}

	m := &store.Message{
		ClientMsgID: p.CorrelationID,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		Kind:        p.Kind,
	}
	created, err := h.store.InsertMessage(m)
	if err != nil {
		h.logger.Error("persist message failed", zap.String("sender", p.SenderID), zap.Error(err))
		return protocol.Message{}, false, fmt.Errorf("persist message: %w", err)
	}
	if created {
		if h.Online(p.RecipientID) {
			if err := h.store.MarkDelivered(m.ID); err != nil {
				h.logger.Warn("mark delivered failed", zap.String("message", m.ID), zap.Error(err))
			} else {
				m.Status = protocol.StatusDelivered
			}
		}
		if h.inval != nil {
			h.inval.MessageWritten(ctx, p.SenderID, p.RecipientID)
		}
	}
	return m.Wire(), created, nil
}

func (h *Hub) fanOut(msg protocol.Message) {
	payload := protocol.NewMessage{Message: msg}
	h.SendTo(msg.RecipientID, protocol.EventNewMessage, payload)
	if msg.SenderID != msg.RecipientID {
		h.SendTo(msg.SenderID, protocol.EventNewMessage, payload)
	}
}

// MarkRead records that reader read a message and notifies the sender.
// Reads by anyone other than the recipient are ignored.
func (h *Hub) MarkRead(ctx context.Context, messageID, reader string) error {
	m, err := h.store.MarkMessageRead(messageID, reader)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if h.inval != nil {
		h.inval.MessageWritten(ctx, m.SenderID, m.RecipientID)
	}
	h.SendTo(m.SenderID, protocol.EventMessageRead, protocol.MessageRead{MessageID: m.ID})
	return nil
}

// ConversationRead notifies peer's sessions that each of ids was read.
func (h *Hub) ConversationRead(peer string, ids []string) {
	for _, id := range ids {
		h.SendTo(peer, protocol.EventMessageRead, protocol.MessageRead{MessageID: id})
	}
}
