package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/hub"
	"github.com/matheus3301/chatsync/internal/protocol"
)

const maxContentLength = 8192

// SendRequest is the body of POST /messages.
type SendRequest struct {
	RecipientID   string `json:"recipient_id"`
	Content       string `json:"content"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// SendResponse is the body returned by POST /messages.
type SendResponse struct {
	Message protocol.Message `json:"message"`
}

// SendMessage handles POST /messages. Sending the same correlation id twice,
// here or over the push channel, stores one message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Content) > maxContentLength {
		h.Error(w, http.StatusUnprocessableEntity, "content too long")
		return
	}

	msg, err := h.hub.Deliver(r.Context(), protocol.SendMessage{
		SenderID:      user,
		RecipientID:   req.RecipientID,
		Content:       req.Content,
		Kind:          req.Kind,
		CorrelationID: req.CorrelationID,
	})
	if errors.Is(err, hub.ErrInvalidMessage) {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("send failed", zap.String("user", user), zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "could not store message")
		return
	}
	h.JSON(w, http.StatusCreated, SendResponse{Message: msg})
}
