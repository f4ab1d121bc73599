package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = Schema{
	Fields: []FieldSpec{
		{Param: "location", Column: "location", Kind: Text},
		{Param: "price", Column: "price", Kind: Range},
		{Param: "category", Column: "category", Kind: List},
		{Param: "verified", Column: "verified", Kind: Bool},
	},
	SortColumns: []string{"created_at", "price", "rating"},
	GroupBy:     []string{"category", "location"},
	Numeric:     []string{"price"},
}

func TestParseAllKinds(t *testing.T) {
	v := url.Values{
		"location": {" Lisbon "},
		"price":    {"100-250"},
		"category": {"a, b,,c"},
		"verified": {"yes"},
	}
	f := Parse(v, testSchema)

	loc := f.Get("location")
	assert.Equal(t, Text, loc.Kind)
	assert.Equal(t, "Lisbon", loc.Text)

	price := f.Get("price")
	require.Equal(t, Range, price.Kind)
	assert.Equal(t, 100.0, *price.Min)
	assert.Equal(t, 250.0, *price.Max)

	cat := f.Get("category")
	assert.Equal(t, List, cat.Kind)
	assert.Equal(t, []string{"a", "b", "c"}, cat.Values)

	ver := f.Get("verified")
	assert.Equal(t, Bool, ver.Kind)
	assert.True(t, ver.Flag)

	assert.Empty(t, f.Dropped())
}

func TestParseOpenRanges(t *testing.T) {
	tests := []struct {
		raw      string
		min, max *float64
	}{
		{"50-", ptr(50), nil},
		{"-80", nil, ptr(80)},
		{"75", ptr(75), ptr(75)},
		{"1.5-2.5", ptr(1.5), ptr(2.5)},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f := Parse(url.Values{"price": {tt.raw}}, testSchema).Get("price")
			require.Equal(t, Range, f.Kind)
			assert.Equal(t, tt.min, f.Min)
			assert.Equal(t, tt.max, f.Max)
		})
	}
}

// Malformed input is a deliberate leniency: the field is treated as absent,
// the request goes through, and the reason is recorded.
func TestMalformedFieldsDegradeToAbsent(t *testing.T) {
	tests := []struct {
		name  string
		param string
		raw   string
	}{
		{"letters in range", "price", "cheap-expensive"},
		{"inverted range", "price", "300-100"},
		{"lone dash", "price", "-"},
		{"garbage bool", "verified", "maybe"},
		{"empty list", "category", " , ,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Parse(url.Values{tt.param: {tt.raw}}, testSchema)
			fld := f.Get(tt.param)
			assert.Equal(t, Absent, fld.Kind)
			assert.NotEmpty(t, fld.Dropped)
			assert.Len(t, f.Dropped(), 1)

			p := NewBuilder(testSchema).Predicate(f)
			assert.True(t, p.Empty(), "malformed field must not produce a clause")
		})
	}
}

func TestAbsentFieldsAreOmitted(t *testing.T) {
	b := NewBuilder(testSchema)
	p := b.Predicate(b.Parse(url.Values{"price": {"10-20"}}))

	assert.Equal(t, []string{"price >= ?", "price <= ?"}, p.Clauses)
	assert.Equal(t, []any{10.0, 20.0}, p.Args)
	assert.Equal(t, "WHERE price >= ? AND price <= ?", p.Where())

	empty := b.Predicate(b.Parse(url.Values{}))
	assert.True(t, empty.Empty())
	assert.Equal(t, "", empty.Where())
}

func TestPredicateClauses(t *testing.T) {
	b := NewBuilder(testSchema)
	p := b.Predicate(b.Parse(url.Values{
		"location": {"Porto_50%"},
		"price":    {"40"},
		"category": {"x,y"},
		"verified": {"false"},
	}))

	assert.Equal(t, []string{
		`LOWER(location) LIKE ? ESCAPE '\'`,
		"price = ?",
		"category IN (?,?)",
		"verified = ?",
	}, p.Clauses)
	assert.Equal(t, []any{`%porto\_50\%%`, 40.0, "x", "y", false}, p.Args)
}

func TestPredicateAndDoesNotAlias(t *testing.T) {
	base := Predicate{Clauses: make([]string, 1, 4), Args: make([]any, 1, 4)}
	base.Clauses[0], base.Args[0] = "a = ?", 1

	x := base.And("b = ?", 2)
	y := base.And("c = ?", 3)
	assert.Equal(t, []string{"a = ?", "b = ?"}, x.Clauses)
	assert.Equal(t, []string{"a = ?", "c = ?"}, y.Clauses)
}

func TestPageDefaultsAndOrder(t *testing.T) {
	b := NewBuilder(testSchema)

	p := b.Page(url.Values{})
	assert.Equal(t, Page{Number: 1, Limit: DefaultLimit, Sort: "created_at", Desc: true}, p)
	assert.Equal(t, 0, p.Offset())

	p = b.Page(url.Values{"page": {"3"}, "limit": {"10"}, "sort": {"price"}, "order": {"asc"}})
	assert.Equal(t, Page{Number: 3, Limit: 10, Sort: "price", Desc: false}, p)
	assert.Equal(t, 20, p.Offset())
	assert.Equal(t, "ORDER BY price ASC", p.OrderBy())

	tests := []struct {
		order string
		desc  bool
	}{
		{"ascending", false},
		{"1", false},
		{"ASC", false},
		{"desc", true},
		{"-1", true},
		{"sideways", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run("order="+tt.order, func(t *testing.T) {
			assert.Equal(t, tt.desc, b.Page(url.Values{"order": {tt.order}}).Desc)
		})
	}
}

func TestPageRejectsBadValues(t *testing.T) {
	b := NewBuilder(testSchema)
	p := b.Page(url.Values{"page": {"-2"}, "limit": {"5000"}, "sort": {"password; DROP TABLE x"}})

	assert.Equal(t, 1, p.Number)
	assert.Equal(t, MaxLimit, p.Limit)
	assert.Equal(t, "created_at", p.Sort)
}

func TestPageClampsHugePage(t *testing.T) {
	b := NewBuilder(testSchema)
	p := b.Page(url.Values{"page": {"9223372036854775807"}, "limit": {"100"}})

	assert.Equal(t, MaxPage, p.Number)
	assert.Positive(t, p.Offset())
}

func TestStatsPipeline(t *testing.T) {
	b := NewBuilder(testSchema)
	f := b.Parse(url.Values{"verified": {"true"}})

	sql, args := b.Stats(f, "category").SQL("listings")
	assert.Equal(t,
		"SELECT category AS key, COUNT(*) AS count, AVG(price) AS avg_price, MIN(price) AS min_price, MAX(price) AS max_price"+
			" FROM listings WHERE verified = ? GROUP BY category ORDER BY count DESC",
		sql)
	assert.Equal(t, []any{true}, args)
}

func TestStatsIgnoresUnknownGroup(t *testing.T) {
	b := NewBuilder(testSchema)
	p := b.Stats(Filter{}, "secret_column")

	assert.Equal(t, "", p.GroupBy())
	sql, args := p.SQL("listings")
	assert.Equal(t,
		"SELECT NULL AS key, COUNT(*) AS count, AVG(price) AS avg_price, MIN(price) AS min_price, MAX(price) AS max_price FROM listings",
		sql)
	assert.Empty(t, args)
}

func TestPipelineLimit(t *testing.T) {
	sql, _ := NewPipeline().Group("location", Count()).Sort("count", false).Limit(5).SQL("t")
	assert.Equal(t, "SELECT location AS key, COUNT(*) AS count FROM t GROUP BY location ORDER BY count ASC LIMIT 5", sql)
}

func ptr(f float64) *float64 { return &f }
