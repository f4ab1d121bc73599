package query

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	MaxPage      = 1_000_000 // keeps the row offset far from overflow
)

// Predicate is a conjunction of SQL clauses with positional args.
type Predicate struct {
	Clauses []string
	Args    []any
}

// Empty reports whether the predicate matches everything.
func (p Predicate) Empty() bool { return len(p.Clauses) == 0 }

// Where renders "WHERE a AND b", or "" for an empty predicate.
func (p Predicate) Where() string {
	if p.Empty() {
		return ""
	}
	return "WHERE " + strings.Join(p.Clauses, " AND ")
}

// And returns a predicate with an extra clause appended.
func (p Predicate) And(clause string, args ...any) Predicate {
	return Predicate{
		Clauses: append(append([]string(nil), p.Clauses...), clause),
		Args:    append(append([]any(nil), p.Args...), args...),
	}
}

// Page holds pagination and sort parameters.
type Page struct {
	Number int
	Limit  int
	Sort   string
	Desc   bool
}

// Offset is the row offset for the page.
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Limit
}

// OrderBy renders the ORDER BY clause.
func (p Page) OrderBy() string {
	dir := "DESC"
	if !p.Desc {
		dir = "ASC"
	}
	return "ORDER BY " + p.Sort + " " + dir
}

// Builder converts request parameters for one schema.
type Builder struct {
	schema Schema
}

// NewBuilder creates a builder for s.
func NewBuilder(s Schema) *Builder {
	return &Builder{schema: s}
}

// Schema returns the schema the builder was created with.
func (b *Builder) Schema() Schema { return b.schema }

// Parse is shorthand for Parse(v, b.Schema()).
func (b *Builder) Parse(v url.Values) Filter {
	return Parse(v, b.schema)
}

// Predicate compiles f. Absent fields produce no clause.
func (b *Builder) Predicate(f Filter) Predicate {
	var p Predicate
	for _, fld := range f.Fields {
		switch fld.Kind {
		case Text:
			p.Clauses = append(p.Clauses, "LOWER("+fld.Column+`) LIKE ? ESCAPE '\'`)
			p.Args = append(p.Args, "%"+escapeLike(strings.ToLower(fld.Text))+"%")
		case Range:
			if fld.Min != nil && fld.Max != nil && *fld.Min == *fld.Max {
				p.Clauses = append(p.Clauses, fld.Column+" = ?")
				p.Args = append(p.Args, *fld.Min)
				continue
			}
			if fld.Min != nil {
				p.Clauses = append(p.Clauses, fld.Column+" >= ?")
				p.Args = append(p.Args, *fld.Min)
			}
			if fld.Max != nil {
				p.Clauses = append(p.Clauses, fld.Column+" <= ?")
				p.Args = append(p.Args, *fld.Max)
			}
		case List:
			marks := strings.TrimSuffix(strings.Repeat("?,", len(fld.Values)), ",")
			p.Clauses = append(p.Clauses, fld.Column+" IN ("+marks+")")
			for _, v := range fld.Values {
				p.Args = append(p.Args, v)
			}
		case Bool:
			p.Clauses = append(p.Clauses, fld.Column+" = ?")
			p.Args = append(p.Args, fld.Flag)
		}
	}
	return p
}

// Page reads page, limit, sort and order. Unknown sort columns fall back to
// the schema default; any order token other than an ascending one sorts
// descending.
func (b *Builder) Page(v url.Values) Page {
	p := Page{Number: 1, Limit: DefaultLimit, Desc: true}
	if len(b.schema.SortColumns) > 0 {
		p.Sort = b.schema.SortColumns[0]
	}

	if n, err := strconv.Atoi(v.Get("page")); err == nil && n > 0 {
		p.Number = min(n, MaxPage)
	}
	if n, err := strconv.Atoi(v.Get("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if col := v.Get("sort"); b.schema.allowsSort(col) {
		p.Sort = col
	}
	switch strings.ToLower(strings.TrimSpace(v.Get("order"))) {
	case "asc", "ascending", "1":
		p.Desc = false
	}
	return p
}

// Stats builds the aggregation pipeline for f, grouped by group when it is an
// allowed group column and over the whole match otherwise.
func (b *Builder) Stats(f Filter, group string) *Pipeline {
	aggs := []Aggregate{Count()}
	for _, col := range b.schema.Numeric {
		aggs = append(aggs, Avg(col), Min(col), Max(col))
	}
	if !b.schema.allowsGroup(group) {
		group = ""
	}
	p := NewPipeline().Match(b.Predicate(f)).Group(group, aggs...)
	if group != "" {
		p.Sort("count", true)
	}
	return p
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
