// Package apiclient is the typed REST client used by chat sessions. Reads go
// through the request coalescer and its cache; writes invalidate the cached
// reads they affect.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/coalesce"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// Cache tags for client-side entries.
const (
	TagConversations = "conversations"
	TagListingList   = "listing_list"
	TagListingStats  = "listing_stats"
)

func TagHistory(peer string) string { return "history:" + peer }
func TagListing(id string) string   { return "listing:" + id }

// TTLs holds the client cache lifetime per resource class.
type TTLs struct {
	List   time.Duration
	Detail time.Duration
	Stats  time.Duration
}

// DefaultTTLs are 5, 10 and 30 minutes.
var DefaultTTLs = TTLs{List: 5 * time.Minute, Detail: 10 * time.Minute, Stats: 30 * time.Minute}

// PresenceSink receives presence embedded in fetched records.
type PresenceSink interface {
	MergeFromPayload(rec presence.UserRecord)
}

// Client talks to chatsyncd as one user.
type Client struct {
	co       *coalesce.Coalescer
	ttl      TTLs
	presence PresenceSink
}

// New creates a client. sink may be nil.
func New(co *coalesce.Coalescer, ttl TTLs, sink PresenceSink) *Client {
	if ttl.List <= 0 {
		ttl.List = DefaultTTLs.List
	}
	if ttl.Detail <= 0 {
		ttl.Detail = DefaultTTLs.Detail
	}
	if ttl.Stats <= 0 {
		ttl.Stats = DefaultTTLs.Stats
	}
	return &Client{co: co, ttl: ttl, presence: sink}
}

// Header returns the headers identifying user to chatsyncd.
func Header(user string) http.Header {
	return http.Header{"X-User-ID": {user}}
}

func (c *Client) read(ctx context.Context, req coalesce.Request, out any) (bool, error) {
	resp, err := c.co.Dispatch(ctx, req)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", req.Path, err)
	}
	return resp.FromCache, nil
}

func (c *Client) write(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	resp, err := c.co.Dispatch(ctx, coalesce.Request{Method: method, Path: path, Body: raw})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ListConversations fetches a page of conversations and feeds each peer's
// embedded presence to the sink.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) (Conversations, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	var out Conversations
	fromCache, err := c.read(ctx, coalesce.Request{
		Path:   "/conversations",
		Params: params,
		TTL:    c.ttl.List,
		Tags:   []string{TagConversations},
	}, &out)
	if err != nil {
		return Conversations{}, fmt.Errorf("list conversations: %w", err)
	}
	out.FromCache = fromCache
	if c.presence != nil {
		for _, conv := range out.Conversations {
			rec := presence.UserRecord{ID: conv.PeerID, IsOnline: conv.PeerOnline}
			if conv.PeerLastSeen > 0 {
				rec.LastSeen = time.UnixMilli(conv.PeerLastSeen)
			}
			c.presence.MergeFromPayload(rec)
		}
	}
	return out, nil
}

// History fetches messages with peer older than before (0 for the newest).
func (c *Client) History(ctx context.Context, peer string, before int64, limit int) (History, error) {
	params := url.Values{}
	if before > 0 {
		params.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out History
	fromCache, err := c.read(ctx, coalesce.Request{
		Path:   "/conversations/" + url.PathEscape(peer) + "/messages",
		Params: params,
		TTL:    c.ttl.List,
		Tags:   []string{TagHistory(peer)},
	}, &out)
	if err != nil {
		return History{}, fmt.Errorf("history %s: %w", peer, err)
	}
	out.FromCache = fromCache
	return out, nil
}

// ListListings searches listings. filters holds the raw query parameters
// (location, price=min-max, category=a,b, verified, page, limit, sort,
// order).
func (c *Client) ListListings(ctx context.Context, filters url.Values) (Listings, error) {
	var out Listings
	fromCache, err := c.read(ctx, coalesce.Request{
		Path:   "/listings",
		Params: filters,
		TTL:    c.ttl.List,
		Tags:   []string{TagListingList},
	}, &out)
	if err != nil {
		return Listings{}, fmt.Errorf("list listings: %w", err)
	}
	out.FromCache = fromCache
	return out, nil
}

// GetListing fetches one listing.
func (c *Client) GetListing(ctx context.Context, id string) (Listing, bool, error) {
	var out Listing
	fromCache, err := c.read(ctx, coalesce.Request{
		Path: "/listings/" + url.PathEscape(id),
		TTL:  c.ttl.Detail,
		Tags: []string{TagListing(id)},
	}, &out)
	if err != nil {
		return Listing{}, false, fmt.Errorf("get listing %s: %w", id, err)
	}
	return out, fromCache, nil
}

// ListingStats aggregates listings matching filters, grouped by the group
// parameter when present.
func (c *Client) ListingStats(ctx context.Context, filters url.Values) (Stats, error) {
	var out Stats
	fromCache, err := c.read(ctx, coalesce.Request{
		Path:   "/listings/stats",
		Params: filters,
		TTL:    c.ttl.Stats,
		Tags:   []string{TagListingStats},
	}, &out)
	if err != nil {
		return Stats{}, fmt.Errorf("listing stats: %w", err)
	}
	out.FromCache = fromCache
	return out, nil
}

// PutListing creates or replaces a listing owned by the caller.
func (c *Client) PutListing(ctx context.Context, l Listing) (Listing, error) {
	var out Listing
	if err := c.write(ctx, http.MethodPut, "/listings/"+url.PathEscape(l.ID), l, &out); err != nil {
		return Listing{}, fmt.Errorf("put listing %s: %w", l.ID, err)
	}
	c.co.Invalidate(ctx, TagListingList, TagListingStats, TagListing(l.ID))
	return out, nil
}

// SendMessage persists a message. The sender is the authenticated user.
func (c *Client) SendMessage(ctx context.Context, msg protocol.SendMessage) (protocol.Message, error) {
	var out sendResponse
	err := c.write(ctx, http.MethodPost, "/messages", sendRequest{
		RecipientID:   msg.RecipientID,
		Content:       msg.Content,
		Kind:          msg.Kind,
		CorrelationID: msg.CorrelationID,
	}, &out)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("send message: %w", err)
	}
	c.MessageChanged(ctx, msg.RecipientID)
	return out.Message, nil
}

// MarkConversationRead marks every message from peer read on the server and
// returns the ids that flipped.
func (c *Client) MarkConversationRead(ctx context.Context, peer string) ([]string, error) {
	var out readResponse
	if err := c.write(ctx, http.MethodPost, "/conversations/"+url.PathEscape(peer)+"/read", nil, &out); err != nil {
		return nil, fmt.Errorf("mark conversation read %s: %w", peer, err)
	}
	c.MessageChanged(ctx, peer)
	return out.Read, nil
}

// MessageChanged drops cached conversation and history reads for peer.
// Sessions call it for pushed messages too.
func (c *Client) MessageChanged(ctx context.Context, peer string) {
	c.co.Invalidate(ctx, TagConversations, TagHistory(peer))
}

// Health checks that chatsyncd is reachable. It is never cached.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	if _, err := c.read(ctx, coalesce.Request{Path: "/health"}, &out); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}
