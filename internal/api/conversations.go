package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
)

const maxHistoryLimit = 100

// ConversationListResponse is the body of GET /conversations.
type ConversationListResponse struct {
	Conversations []store.Conversation `json:"conversations"`
}

// HistoryResponse is the body of GET /conversations/{peer}/messages.
// NextBefore is the cursor for the next older page, zero on the last page.
type HistoryResponse struct {
	Messages   []protocol.Message `json:"messages"`
	NextBefore int64              `json:"next_before,omitempty"`
}

// ReadResponse is the body of POST /conversations/{peer}/read.
type ReadResponse struct {
	Read []string `json:"read"`
}

// ListConversations handles GET /conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	limit := intParam(r, "limit", 50, maxHistoryLimit)
	offset := intParam(r, "offset", 0, 1<<30)

	key := Signature(r.Method, r.URL.Path, user, r.URL.Query())
	h.memo.ServeTagged(w, r, ClassList, key, func() (any, []string, error) {
		convs, err := h.db.ListConversations(user, limit, offset)
		if err != nil {
			return nil, nil, err
		}
		if convs == nil {
			convs = []store.Conversation{}
		}
		tags := []string{TagConversations(user)}
		for _, c := range convs {
			tags = append(tags, TagPresence(c.PeerID))
		}
		return ConversationListResponse{Conversations: convs}, tags, nil
	})
}

// History handles GET /conversations/{peer}/messages.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	peer := chi.URLParam(r, "peer")
	limit := intParam(r, "limit", 50, maxHistoryLimit)
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	key := Signature(r.Method, r.URL.Path, user, r.URL.Query())
	h.memo.Serve(w, r, ClassList, key, []string{TagHistory(user, peer)}, func() (any, error) {
		msgs, err := h.db.ListMessages(user, peer, before, limit)
		if err != nil {
			return nil, err
		}
		resp := HistoryResponse{Messages: make([]protocol.Message, 0, len(msgs))}
		for i := range msgs {
			resp.Messages = append(resp.Messages, msgs[i].Wire())
		}
		if len(msgs) == limit {
			resp.NextBefore = msgs[len(msgs)-1].CreatedAt
		}
		return resp, nil
	})
}

// MarkConversationRead handles POST /conversations/{peer}/read.
func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	peer := chi.URLParam(r, "peer")

	ids, err := h.db.MarkConversationRead(user, peer)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.memo.MessageWritten(r.Context(), user, peer)
	if len(ids) > 0 && h.hub != nil {
		h.hub.ConversationRead(peer, ids)
	}
	if ids == nil {
		ids = []string{}
	}
	h.JSON(w, http.StatusOK, ReadResponse{Read: ids})
}

func intParam(r *http.Request, name string, def, maxVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxVal)
}
