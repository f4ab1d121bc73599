package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/query"
)

// ListingSchema declares the filters, sort columns and stats groups accepted
// for listings.
var ListingSchema = query.Schema{
	Fields: []query.FieldSpec{
		{Param: "q", Column: "title", Kind: query.Text},
		{Param: "location", Column: "location", Kind: query.Text},
		{Param: "price", Column: "price", Kind: query.Range},
		{Param: "age", Column: "age", Kind: query.Range},
		{Param: "rating", Column: "rating", Kind: query.Range},
		{Param: "category", Column: "category", Kind: query.List},
		{Param: "verified", Column: "verified", Kind: query.Bool},
		{Param: "available", Column: "available", Kind: query.Bool},
	},
	SortColumns: []string{"created_at", "price", "rating", "age", "updated_at"},
	GroupBy:     []string{"category", "location", "verified"},
	Numeric:     []string{"price", "rating"},
}

const listingColumns = `id, owner_id, title, location, category, price, age, rating, verified, available, created_at, updated_at`

func scanListing(row interface{ Scan(...any) error }, l *Listing) error {
	return row.Scan(&l.ID, &l.OwnerID, &l.Title, &l.Location, &l.Category, &l.Price,
		&l.Age, &l.Rating, &l.Verified, &l.Available, &l.CreatedAt, &l.UpdatedAt)
}

// UpsertListing inserts or updates a listing. created_at is kept from the
// first insert.
func (db *DB) UpsertListing(l *Listing) error {
	now := time.Now().UnixMilli()
	if l.CreatedAt == 0 {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	_, err := db.Exec(`
		INSERT INTO listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			location = excluded.location,
			category = excluded.category,
			price = excluded.price,
			age = excluded.age,
			rating = excluded.rating,
			verified = excluded.verified,
			available = excluded.available,
			updated_at = excluded.updated_at`,
		l.ID, l.OwnerID, l.Title, l.Location, l.Category, l.Price, l.Age, l.Rating,
		l.Verified, l.Available, l.CreatedAt, l.UpdatedAt)
	return err
}

// GetListing returns a listing or nil if missing.
func (db *DB) GetListing(id string) (*Listing, error) {
	var l Listing
	err := scanListing(db.QueryRow(`SELECT `+listingColumns+` FROM listings WHERE id = ?`, id), &l)
	if err != nil {
		return nilIfNoRows[Listing](err)
	}
	return &l, nil
}

// ListListings returns one page of listings matching pred plus the total
// match count.
func (db *DB) ListListings(pred query.Predicate, page query.Page) ([]Listing, int, error) {
	where := pred.Where()

	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM listings `+where, pred.Args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count listings: %w", err)
	}

	args := append(append([]any(nil), pred.Args...), page.Limit, page.Offset())
	rows, err := db.Query(`SELECT `+listingColumns+` FROM listings `+where+` `+
		page.OrderBy()+`, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Listing
	for rows.Next() {
		var l Listing
		if err := scanListing(rows, &l); err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

// ListingStats runs an aggregation pipeline over listings.
func (db *DB) ListingStats(p *query.Pipeline) ([]StatRow, error) {
	stmt, args := p.SQL("listings")
	rows, err := db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	aggs := p.Aggregates()
	var out []StatRow
	for rows.Next() {
		var key sql.NullString
		vals := make([]sql.NullFloat64, len(aggs))
		dest := make([]any, 0, len(aggs)+1)
		dest = append(dest, &key)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := StatRow{Key: strings.TrimSpace(key.String), Values: make(map[string]float64, len(aggs))}
		for i, a := range aggs {
			row.Values[a.Alias] = vals[i].Float64
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
