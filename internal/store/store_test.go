package store

import (
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/query"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (messages + listings)", result.Version)
	}
}

func TestUnreadCounterRejectsNegative(t *testing.T) {
	db := testDB(t)
	_, err := db.Exec(`INSERT INTO conversations (pair_key, user_a, user_b, unread_a) VALUES ('a|b', 'a', 'b', -1)`)
	if err == nil {
		t.Fatal("negative unread counter should violate the CHECK constraint")
	}
}

func TestInsertMessageAssignsIdentity(t *testing.T) {
	db := testDB(t)

	m := &Message{SenderID: "alice", RecipientID: "bob", Content: "hello", ClientMsgID: "c1"}
	created, err := db.InsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first insert should create")
	}
	if m.ID == "" || m.CreatedAt == 0 {
		t.Fatalf("identity not assigned: %+v", m)
	}
	if m.PairKey != "alice|bob" {
		t.Errorf("pair key = %q, want %q", m.PairKey, "alice|bob")
	}
	if m.Kind != protocol.KindText || m.Status != protocol.StatusSent {
		t.Errorf("defaults = %q/%q", m.Kind, m.Status)
	}
}

// The push path and the REST path both persist the same send. The second
// arrival must return the first row rather than create a duplicate.
func TestInsertMessageIdempotentOnClientID(t *testing.T) {
	db := testDB(t)

	first := &Message{SenderID: "alice", RecipientID: "bob", Content: "hello", ClientMsgID: "corr-1"}
	if _, err := db.InsertMessage(first); err != nil {
		t.Fatal(err)
	}
	second := &Message{SenderID: "alice", RecipientID: "bob", Content: "hello", ClientMsgID: "corr-1"}
	created, err := db.InsertMessage(second)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second insert with same client id should not create")
	}
	if second.ID != first.ID {
		t.Errorf("second.ID = %q, want %q", second.ID, first.ID)
	}

	msgs, err := db.ListMessages("bob", "alice", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	convs, err := db.ListConversations("bob", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 1 {
		t.Fatalf("bob's conversations = %+v, want one with unread 1", convs)
	}
}

func TestInsertMessageWithoutClientIDAlwaysCreates(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 2; i++ {
		created, err := db.InsertMessage(&Message{SenderID: "a", RecipientID: "b", Content: "same"})
		if err != nil {
			t.Fatal(err)
		}
		if !created {
			t.Errorf("insert %d: created = false", i)
		}
	}
}

func TestListMessagesPagesBackwards(t *testing.T) {
	db := testDB(t)
	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		m := &Message{SenderID: "a", RecipientID: "b", Content: string(rune('0' + i)), CreatedAt: base + int64(i)}
		if _, err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("a", "b", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Content != "4" || page[1].Content != "3" {
		t.Fatalf("first page = %+v", page)
	}

	older, err := db.ListMessages("b", "a", page[1].CreatedAt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 3 || older[0].Content != "2" {
		t.Fatalf("older page = %+v", older)
	}
}

func TestMarkMessageReadKeepsCounter(t *testing.T) {
	db := testDB(t)

	m := &Message{SenderID: "alice", RecipientID: "bob", Content: "hi"}
	if _, err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// Only the recipient can mark a message read.
	got, err := db.MarkMessageRead(m.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("sender should not be able to mark own message read")
	}

	got, err = db.MarkMessageRead(m.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.IsRead || got.Status != protocol.StatusRead {
		t.Fatalf("after mark read = %+v", got)
	}

	convs, err := db.ListConversations("bob", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (single read leaves the counter alone)", convs[0].UnreadCount)
	}
}

func TestMarkConversationRead(t *testing.T) {
	db := testDB(t)

	for _, c := range []string{"one", "two", "three"} {
		if _, err := db.InsertMessage(&Message{SenderID: "alice", RecipientID: "bob", Content: c}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.InsertMessage(&Message{SenderID: "bob", RecipientID: "alice", Content: "reply"}); err != nil {
		t.Fatal(err)
	}

	ids, err := db.MarkConversationRead("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Errorf("flipped %d messages, want 3", len(ids))
	}

	msgs, err := db.ListMessages("bob", "alice", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.RecipientID == "bob" && !m.IsRead {
			t.Errorf("message %q still unread", m.Content)
		}
		if m.RecipientID == "alice" && m.IsRead {
			t.Errorf("alice's inbound %q should stay unread", m.Content)
		}
	}

	bobConvs, _ := db.ListConversations("bob", 10, 0)
	if bobConvs[0].UnreadCount != 0 {
		t.Errorf("bob unread = %d, want 0", bobConvs[0].UnreadCount)
	}
	aliceConvs, _ := db.ListConversations("alice", 10, 0)
	if aliceConvs[0].UnreadCount != 1 {
		t.Errorf("alice unread = %d, want 1", aliceConvs[0].UnreadCount)
	}

	// Second call is a no-op.
	ids, err = db.MarkConversationRead("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("second mark flipped %d, want 0", len(ids))
	}
}

func TestListConversationsEmbedsPeerPresence(t *testing.T) {
	db := testDB(t)

	if _, err := db.InsertMessage(&Message{SenderID: "alice", RecipientID: "bob", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetOnline("bob", true, time.Now()); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations("alice", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	c := convs[0]
	if c.PeerID != "bob" || !c.PeerOnline {
		t.Errorf("conversation = %+v, want peer bob online", c)
	}
	if c.LastMessagePreview != "hi" {
		t.Errorf("preview = %q, want %q", c.LastMessagePreview, "hi")
	}
	if c.UnreadCount != 0 {
		t.Errorf("sender's unread = %d, want 0", c.UnreadCount)
	}
}

func seedListings(t *testing.T, db *DB) {
	t.Helper()
	listings := []Listing{
		{ID: "l1", OwnerID: "o1", Title: "Downtown Loft", Location: "Lisbon", Category: "apartment", Price: 120, Rating: 4.5, Verified: true, Available: true},
		{ID: "l2", OwnerID: "o1", Title: "Beach House", Location: "Porto", Category: "house", Price: 300, Rating: 4.9, Verified: false, Available: true},
		{ID: "l3", OwnerID: "o2", Title: "Studio", Location: "Lisbon", Category: "apartment", Price: 80, Rating: 3.9, Verified: true, Available: false},
	}
	for i := range listings {
		listings[i].CreatedAt = int64(1000 + i)
		if err := db.UpsertListing(&listings[i]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListListingsFilters(t *testing.T) {
	db := testDB(t)
	seedListings(t, db)
	b := query.NewBuilder(ListingSchema)

	tests := []struct {
		name    string
		params  string
		wantIDs []string
	}{
		{"no filter newest first", "", []string{"l3", "l2", "l1"}},
		{"location case insensitive", "location=lisBON", []string{"l3", "l1"}},
		{"price range", "price=100-400&sort=price&order=asc", []string{"l1", "l2"}},
		{"malformed range ignored", "price=cheap", []string{"l3", "l2", "l1"}},
		{"category list", "category=house,villa", []string{"l2"}},
		{"verified flag", "verified=yes&sort=price&order=asc", []string{"l3", "l1"}},
		{"limit", "limit=1", []string{"l3"}},
		{"page two", "limit=2&page=2", []string{"l1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := url.ParseQuery(tt.params)
			f := b.Parse(v)
			got, _, err := db.ListListings(b.Predicate(f), b.Page(v))
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d listings, want %d", len(got), len(tt.wantIDs))
			}
			for i, l := range got {
				if l.ID != tt.wantIDs[i] {
					t.Errorf("[%d] = %q, want %q", i, l.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestListListingsTotal(t *testing.T) {
	db := testDB(t)
	seedListings(t, db)
	b := query.NewBuilder(ListingSchema)

	v := url.Values{"location": {"lisbon"}, "limit": {"1"}}
	got, total, err := db.ListListings(b.Predicate(b.Parse(v)), b.Page(v))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || total != 2 {
		t.Errorf("len = %d total = %d, want 1 and 2", len(got), total)
	}
}

func TestUpsertListingKeepsCreatedAt(t *testing.T) {
	db := testDB(t)
	seedListings(t, db)

	l, err := db.GetListing("l1")
	if err != nil {
		t.Fatal(err)
	}
	l.Price = 150
	l.CreatedAt = 0
	if err := db.UpsertListing(l); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetListing("l1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Price != 150 {
		t.Errorf("price = %v, want 150", got.Price)
	}
	if got.CreatedAt != 1000 {
		t.Errorf("created_at = %d, want 1000", got.CreatedAt)
	}

	missing, err := db.GetListing("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("missing listing should be nil")
	}
}

func TestListingStatsGrouped(t *testing.T) {
	db := testDB(t)
	seedListings(t, db)
	b := query.NewBuilder(ListingSchema)

	rows, err := db.ListingStats(b.Stats(b.Parse(url.Values{}), "category"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d groups, want 2", len(rows))
	}
	if rows[0].Key != "apartment" || rows[0].Values["count"] != 2 {
		t.Errorf("first group = %+v, want apartment with count 2", rows[0])
	}
	if rows[0].Values["avg_price"] != 100 {
		t.Errorf("avg_price = %v, want 100", rows[0].Values["avg_price"])
	}
}

func TestListingStatsUngrouped(t *testing.T) {
	db := testDB(t)
	seedListings(t, db)
	b := query.NewBuilder(ListingSchema)

	v := url.Values{"verified": {"true"}}
	rows, err := db.ListingStats(b.Stats(b.Parse(v), "owner_id"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 total row", len(rows))
	}
	if rows[0].Key != "" || rows[0].Values["count"] != 2 || rows[0].Values["max_price"] != 120 {
		t.Errorf("total = %+v", rows[0])
	}
}
