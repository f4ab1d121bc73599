// Package api serves the chatsync REST endpoints. Reads are memoized in the
// cache store by resource class; writes invalidate the tags they affect.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/query"
	"github.com/matheus3301/chatsync/internal/store"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// Store is the persistence the handlers read and write.
type Store interface {
	ListConversations(user string, limit, offset int) ([]store.Conversation, error)
	ListMessages(user, peer string, beforeTs int64, limit int) ([]store.Message, error)
	MarkConversationRead(user, peer string) ([]string, error)
	GetListing(id string) (*store.Listing, error)
	ListListings(pred query.Predicate, page query.Page) ([]store.Listing, int, error)
	ListingStats(p *query.Pipeline) ([]store.StatRow, error)
	UpsertListing(l *store.Listing) error
}

// Messenger persists sends and relays receipts over the push channel.
type Messenger interface {
	Deliver(ctx context.Context, p protocol.SendMessage) (protocol.Message, error)
	ConversationRead(peer string, ids []string)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db       Store
	hub      Messenger
	memo     *Memo
	listings *query.Builder
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(db Store, hub Messenger, memo *Memo, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		db:       db,
		hub:      hub,
		memo:     memo,
		listings: query.NewBuilder(store.ListingSchema),
		logger:   logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// requireUser returns the caller's id or writes a 401.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		h.Error(w, http.StatusUnauthorized, UserHeader+" header is required")
		return "", false
	}
	return user, true
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
