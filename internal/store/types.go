package store

import "github.com/matheus3301/chatsync/internal/protocol"

// User is a chat participant with its last reported presence.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsOnline bool   `json:"is_online"`
	LastSeen int64  `json:"last_seen"`
}

// Conversation is one user's view of a pair conversation.
type Conversation struct {
	PairKey            string `json:"pair_key"`
	PeerID             string `json:"peer_id"`
	PeerName           string `json:"peer_name"`
	PeerOnline         bool   `json:"is_online"`
	PeerLastSeen       int64  `json:"last_seen"`
	LastMessageID      string `json:"last_message_id"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
	UnreadCount        int    `json:"unread_count"`
}

// Message is a persisted chat message.
type Message struct {
	ID          string
	PairKey     string
	ClientMsgID string
	SenderID    string
	RecipientID string
	Content     string
	Kind        string
	Status      string
	IsRead      bool
	CreatedAt   int64
}

// Wire converts m to the form carried over the push channel and REST.
func (m *Message) Wire() protocol.Message {
	return protocol.Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Kind:        m.Kind,
		Status:      m.Status,
		Read:        m.IsRead,
		CreatedAt:   m.CreatedAt,
	}
}

// Listing is a marketplace profile listing.
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

// StatRow is one group of an aggregation. Key is empty for the ungrouped
// total.
type StatRow struct {
	Key    string             `json:"key"`
	Values map[string]float64 `json:"values"`
}
