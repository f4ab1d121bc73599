package apiclient

import "github.com/matheus3301/chatsync/internal/protocol"

// Conversation is one entry of GET /conversations.
type Conversation struct {
	PairKey            string `json:"pair_key"`
	PeerID             string `json:"peer_id"`
	PeerName           string `json:"peer_name"`
	PeerOnline         *bool  `json:"is_online"`
	PeerLastSeen       int64  `json:"last_seen"`
	LastMessageID      string `json:"last_message_id"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
	UnreadCount        int    `json:"unread_count"`
}

// Conversations is a page of conversations.
type Conversations struct {
	Conversations []Conversation `json:"conversations"`
	FromCache     bool           `json:"-"`
}

// History is a page of messages, newest first.
type History struct {
	Messages   []protocol.Message `json:"messages"`
	NextBefore int64              `json:"next_before,omitempty"`
	FromCache  bool               `json:"-"`
}

// Listing is a marketplace listing.
type Listing struct {
	ID        string  `json:"id"`
	OwnerID   string  `json:"owner_id"`
	Title     string  `json:"title"`
	Location  string  `json:"location"`
	Category  string  `json:"category"`
	Price     float64 `json:"price"`
	Age       int     `json:"age"`
	Rating    float64 `json:"rating"`
	Verified  bool    `json:"verified"`
	Available bool    `json:"available"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Listings is a page of listings with the total match count.
type Listings struct {
	Listings  []Listing `json:"listings"`
	Total     int       `json:"total"`
	Page      int       `json:"page"`
	Limit     int       `json:"limit"`
	FromCache bool      `json:"-"`
}

// StatRow is one group of an aggregation.
type StatRow struct {
	Key    string             `json:"key"`
	Values map[string]float64 `json:"values"`
}

// Stats is the response of GET /listings/stats.
type Stats struct {
	Group     string    `json:"group,omitempty"`
	Rows      []StatRow `json:"rows"`
	FromCache bool      `json:"-"`
}

type sendRequest struct {
	RecipientID   string `json:"recipient_id"`
	Content       string `json:"content"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type sendResponse struct {
	Message protocol.Message `json:"message"`
}

type readResponse struct {
	Read []string `json:"read"`
}
