package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store"
)

// ListingListResponse is the body of GET /listings.
type ListingListResponse struct {
	Listings []store.Listing `json:"listings"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
}

// StatsResponse is the body of GET /listings/stats.
type StatsResponse struct {
	Group string          `json:"group,omitempty"`
	Rows  []store.StatRow `json:"rows"`
}

// ListListings handles GET /listings. Malformed filter values are ignored
// and logged, never rejected.
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := h.listings.Parse(q)
	for _, f := range filter.Dropped() {
		h.logger.Debug("filter dropped", zap.String("param", f.Param), zap.String("reason", f.Dropped))
	}
	page := h.listings.Page(q)

	key := Signature(r.Method, r.URL.Path, "", q)
	h.memo.Serve(w, r, ClassList, key, []string{TagListingList}, func() (any, error) {
		listings, total, err := h.db.ListListings(h.listings.Predicate(filter), page)
		if err != nil {
			return nil, err
		}
		if listings == nil {
			listings = []store.Listing{}
		}
		return ListingListResponse{Listings: listings, Total: total, Page: page.Number, Limit: page.Limit}, nil
	})
}

// GetListing handles GET /listings/{id}.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := Signature(r.Method, r.URL.Path, "", nil)
	h.memo.Serve(w, r, ClassDetail, key, []string{TagListing(id)}, func() (any, error) {
		l, err := h.db.GetListing(id)
		if err != nil || l == nil {
			return nil, err
		}
		return l, nil
	})
}

// ListingStats handles GET /listings/stats.
func (h *Handler) ListingStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := h.listings.Parse(q)
	pipeline := h.listings.Stats(filter, q.Get("group"))

	key := Signature(r.Method, r.URL.Path, "", q)
	h.memo.Serve(w, r, ClassStats, key, []string{TagListingStats}, func() (any, error) {
		rows, err := h.db.ListingStats(pipeline)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []store.StatRow{}
		}
		return StatsResponse{Group: pipeline.GroupBy(), Rows: rows}, nil
	})
}

// PutListing handles PUT /listings/{id}. The caller becomes the owner of a
// new listing and must be the owner of an existing one.
func (h *Handler) PutListing(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var l store.Listing
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	l.ID = id
	l.Title = strings.TrimSpace(l.Title)
	if l.Title == "" {
		h.Error(w, http.StatusBadRequest, "title is required")
		return
	}

	existing, err := h.db.GetListing(id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil {
		if existing.OwnerID != user {
			h.Error(w, http.StatusForbidden, "not the owner")
			return
		}
		l.CreatedAt = existing.CreatedAt
	}
	l.OwnerID = user

	if err := h.db.UpsertListing(&l); err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.memo.ListingWritten(r.Context(), id)
	h.JSON(w, http.StatusOK, l)
}
