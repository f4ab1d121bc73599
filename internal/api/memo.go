package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// Resource classes, each with its own ttl.
const (
	ClassList   = "list"
	ClassDetail = "detail"
	ClassStats  = "stats"
)

// Invalidation tags.
const (
	TagListingList  = "listing_list"
	TagListingStats = "listing_stats"
)

// TagListing tags the detail entry of one listing.
func TagListing(id string) string { return "listing:" + id }

// TagConversations tags a user's conversation list.
func TagConversations(user string) string { return "conversations:" + user }

// TagPresence tags every entry embedding user's online flag.
func TagPresence(user string) string { return "presence:" + user }

// TagHistory tags every history page of a conversation.
func TagHistory(a, b string) string { return "history:" + protocol.PairKey(a, b) }

// TTLs holds the lifetime of each resource class.
type TTLs struct {
	List   time.Duration
	Detail time.Duration
	Stats  time.Duration
}

// DefaultTTLs are 5, 10 and 30 minutes.
var DefaultTTLs = TTLs{List: 5 * time.Minute, Detail: 10 * time.Minute, Stats: 30 * time.Minute}

func (t TTLs) of(class string) time.Duration {
	switch class {
	case ClassDetail:
		return t.Detail
	case ClassStats:
		return t.Stats
	default:
		return t.List
	}
}

// Memo caches encoded read responses and drops them when writes touch the
// underlying collection.
type Memo struct {
	store  cache.Store
	ttls   TTLs
	logger *zap.Logger
}

// NewMemo wraps s. Zero ttls fall back to DefaultTTLs.
func NewMemo(s cache.Store, ttls TTLs, logger *zap.Logger) *Memo {
	if ttls.List <= 0 {
		ttls.List = DefaultTTLs.List
	}
	if ttls.Detail <= 0 {
		ttls.Detail = DefaultTTLs.Detail
	}
	if ttls.Stats <= 0 {
		ttls.Stats = DefaultTTLs.Stats
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memo{store: s, ttls: ttls, logger: logger}
}

// Signature is the canonical cache key of a read: method, path, the caller
// and the sorted query parameters.
func Signature(method, path, user string, q url.Values) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte(' ')
	sb.WriteString(path)
	if user != "" {
		sb.WriteString(" @")
		sb.WriteString(user)
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sep := byte('?')
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			sb.WriteByte(sep)
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
			sep = '&'
		}
	}
	return sb.String()
}

// Serve answers from the cache when possible, otherwise runs compute, writes
// its JSON to the client and stores it under key with the class ttl.
// compute returning (nil, nil) is a 404.
func (m *Memo) Serve(w http.ResponseWriter, r *http.Request, class, key string, tags []string, compute func() (any, error)) {
	m.ServeTagged(w, r, class, key, func() (any, []string, error) {
		v, err := compute()
		return v, tags, err
	})
}

// ServeTagged is Serve for responses whose tags depend on their content.
func (m *Memo) ServeTagged(w http.ResponseWriter, r *http.Request, class, key string, compute func() (any, []string, error)) {
	ctx := r.Context()
	if body, ok := m.store.Get(ctx, key); ok {
		metrics.CacheLookups.WithLabelValues(class, "hit").Inc()
		writeRaw(w, http.StatusOK, body, "HIT")
		return
	}
	metrics.CacheLookups.WithLabelValues(class, "miss").Inc()

	v, tags, err := compute()
	if err != nil {
		m.logger.Error("compute response failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("encode response failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := m.store.Set(ctx, key, body, m.ttls.of(class), tags...); err != nil {
		m.logger.Warn("memoize failed", zap.String("key", key), zap.Error(err))
	}
	writeRaw(w, http.StatusOK, body, "MISS")
}

// Invalidate drops every entry carrying any of tags.
func (m *Memo) Invalidate(ctx context.Context, tags ...string) {
	for _, tag := range tags {
		n, err := m.store.InvalidateByTag(ctx, tag)
		if err != nil {
			m.logger.Warn("invalidate failed", zap.String("tag", tag), zap.Error(err))
			continue
		}
		class, _, _ := strings.Cut(tag, ":")
		metrics.CacheInvalidations.WithLabelValues(class).Add(float64(n))
	}
}

// MessageWritten drops both parties' conversation lists and the pair's
// history.
func (m *Memo) MessageWritten(ctx context.Context, senderID, recipientID string) {
	m.Invalidate(ctx,
		TagConversations(senderID),
		TagConversations(recipientID),
		TagHistory(senderID, recipientID),
	)
}

// PresenceChanged drops every conversation list that embeds user's online
// flag.
func (m *Memo) PresenceChanged(ctx context.Context, user string) {
	m.Invalidate(ctx, TagPresence(user))
}

// ListingWritten drops every listing list, the stats and the listing's
// detail.
func (m *Memo) ListingWritten(ctx context.Context, id string) {
	m.Invalidate(ctx, TagListingList, TagListingStats, TagListing(id))
}

func writeRaw(w http.ResponseWriter, status int, body []byte, cacheState string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheState)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
